// Package templatetest writes a minimal Android template project for tests.
package templatetest

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	Manifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android"
    package="com.example.app">
    <application android:label="@string/app_name">
        <activity android:name="com.example.app.MainActivity" android:exported="true" />
    </application>
</manifest>
`
	BuildGradle = `plugins {
    id 'com.android.application'
}

android {
    namespace "com.example.app"
    compileSdk 34

    defaultConfig {
        applicationId "com.example.app"
        minSdk 21
        targetSdk 34
        versionCode 1
        versionName "1.0"
    }
}
`
	Strings = `<resources>
    <string name="app_name">Template App</string>
    <string name="retry">Retry</string>
</resources>
`
	MainActivity = `package com.example.app;

import androidx.appcompat.app.AppCompatActivity;

public class MainActivity extends AppCompatActivity {
    private final String WEB_URL = "https://www.example.com";
}
`
	Gradlew = "#!/bin/sh\necho gradle \"$@\"\n"
	Icon    = "template-icon"
)

// Files maps slash-separated relative paths to contents.
func Files() map[string]string {
	return map[string]string{
		"app/src/main/AndroidManifest.xml":                   Manifest,
		"app/build.gradle":                                   BuildGradle,
		"app/src/main/res/values/strings.xml":                Strings,
		"app/src/main/java/com/example/app/MainActivity.java": MainActivity,
		"app/src/main/res/mipmap-hdpi/ic_launcher.png":       Icon,
		"gradlew":                                            Gradlew,
		"gradlew.bat":                                        "@echo off\r\n",
		"settings.gradle":                                    "include ':app'\n",
	}
}

// Write creates the template under root and returns root.
func Write(t testing.TB, root string) string {
	t.Helper()
	for rel, content := range Files() {
		WriteFile(t, root, rel, content)
	}
	if err := os.Chmod(filepath.Join(root, "gradlew"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func WriteFile(t testing.TB, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
