package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/template"
)

// Every routine here edits one field of one file. A routine whose field is
// absent fails with TemplateMissing instead of leaving the placeholder behind.

func substitutePackageID(root string, layout template.Layout, marker, packageID string) error {
	err := editFile(root, layout.Manifest, func(src string) (string, error) {
		out, n := replaceField(src, template.PackageIDToken(marker), func(g []string) string {
			return g[1] + packageID
		})
		if n == 0 {
			return "", markerMissing(layout.Manifest, "package id marker "+marker)
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	return editFile(root, layout.BuildGradle, func(src string) (string, error) {
		out, n := replaceField(src, template.ApplicationIDField, func(g []string) string {
			return g[1] + quote(packageID)
		})
		if n == 0 {
			return "", markerMissing(layout.BuildGradle, "applicationId field")
		}
		out, _ = replaceField(out, template.NamespaceField, func(g []string) string {
			return g[1] + quote(packageID)
		})
		return out, nil
	})
}

func substituteURL(root string, layout template.Layout, placeholder, targetURL string) error {
	return editFile(root, layout.EntryPoint, func(src string) (string, error) {
		out, n := replaceField(src, template.QuotedLiteral(placeholder), func([]string) string {
			return quote(targetURL)
		})
		if n == 0 {
			return "", markerMissing(layout.EntryPoint, "placeholder url "+placeholder)
		}
		return out, nil
	})
}

func substituteAppName(root string, layout template.Layout, appName string) error {
	return editFile(root, layout.Strings, func(src string) (string, error) {
		out, n := replaceField(src, template.AppNameField, func(g []string) string {
			return g[1] + escapeAndroidString(appName) + g[2]
		})
		if n == 0 {
			return "", markerMissing(layout.Strings, "app_name string")
		}
		return out, nil
	})
}

func substituteVersion(root string, layout template.Layout, versionName string, versionCode int) error {
	if versionName == "" && versionCode <= 0 {
		return nil
	}
	return editFile(root, layout.BuildGradle, func(src string) (string, error) {
		out := src
		if versionName != "" {
			var n int
			out, n = replaceField(out, template.VersionNameField, func(g []string) string {
				return g[1] + quote(versionName)
			})
			if n == 0 {
				return "", markerMissing(layout.BuildGradle, "versionName field")
			}
		}
		if versionCode > 0 {
			var n int
			out, n = replaceField(out, template.VersionCodeField, func(g []string) string {
				return g[1] + strconv.Itoa(versionCode)
			})
			if n == 0 {
				return "", markerMissing(layout.BuildGradle, "versionCode field")
			}
		}
		return out, nil
	})
}

// relocateEntryPoint moves the entry point into the directory that mirrors
// the package id segments and rewrites its package declaration. The old
// location is removed along with any directories left empty.
func relocateEntryPoint(root string, layout template.Layout, marker string, segments []string) error {
	oldRel := layout.EntryPoint
	markerDir := filepath.Join(strings.Split(marker, ".")...)
	dir := filepath.Dir(oldRel)
	if dir != markerDir && !strings.HasSuffix(dir, string(os.PathSeparator)+markerDir) {
		return forgeerrors.TemplateMissing(op, fmt.Sprintf("entry point %s is not under a %s package directory", filepath.ToSlash(oldRel), marker))
	}
	srcRoot := strings.TrimSuffix(dir, markerDir)
	newRel := filepath.Join(srcRoot, filepath.Join(segments...), filepath.Base(oldRel))

	oldPath := filepath.Join(root, oldRel)
	raw, err := os.ReadFile(oldPath)
	if err != nil {
		return readErr(oldRel, err)
	}
	packageID := strings.Join(segments, ".")
	out, n := replaceField(string(raw), template.PackageDeclaration(marker), func(g []string) string {
		return g[1] + packageID + g[2]
	})
	if n == 0 {
		return markerMissing(oldRel, "package declaration")
	}

	newPath := filepath.Join(root, newRel)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "create %s", filepath.ToSlash(filepath.Dir(newRel)))
	}
	if err := writeFileKeepMode(newPath, oldPath, out); err != nil {
		return err
	}
	if newPath == oldPath {
		return nil
	}
	if err := os.Remove(oldPath); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "remove %s", filepath.ToSlash(oldRel))
	}
	pruneEmptyDirs(filepath.Dir(oldPath), filepath.Join(root, srcRoot))
	return nil
}

func copyIcon(root string, layout template.Layout, iconPath string) error {
	if iconPath == "" {
		return nil
	}
	info, err := os.Stat(iconPath)
	if err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "icon %s", iconPath)
	}
	if !info.Mode().IsRegular() {
		return forgeerrors.New(forgeerrors.KindIO, op, fmt.Sprintf("icon %s is not a regular file", iconPath))
	}
	dst := filepath.Join(root, layout.IconSlot)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "create icon dir")
	}
	if err := copyFile(iconPath, dst, 0o644); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "copy icon")
	}
	return nil
}

func editFile(root, rel string, edit func(string) (string, error)) error {
	p := filepath.Join(root, rel)
	raw, err := os.ReadFile(p)
	if err != nil {
		return readErr(rel, err)
	}
	out, err := edit(string(raw))
	if err != nil {
		return err
	}
	return writeFileKeepMode(p, p, out)
}

func writeFileKeepMode(dst, modeFrom, content string) error {
	perm := os.FileMode(0o644)
	if fi, err := os.Stat(modeFrom); err == nil {
		perm = fi.Mode().Perm()
	}
	if err := os.WriteFile(dst, []byte(content), perm); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "write %s", filepath.Base(dst))
	}
	return nil
}

// replaceField rewrites every match of re with render(groups). The rendered
// text is inserted literally, so request values containing `$`, `\` or
// regex metacharacters come through unchanged.
func replaceField(src string, re *regexp.Regexp, render func(groups []string) string) (string, int) {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src, 0
	}
	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, m := range matches {
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = src[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(src[last:m[0]])
		b.WriteString(render(groups))
		last = m[1]
	}
	b.WriteString(src[last:])
	return b.String(), len(matches)
}

func quote(s string) string {
	return `"` + s + `"`
}

var androidStringEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
)

// escapeAndroidString makes s safe as the text of a <string> resource.
func escapeAndroidString(s string) string {
	out := androidStringEscaper.Replace(s)
	if strings.HasPrefix(out, "@") || strings.HasPrefix(out, "?") {
		out = `\` + out
	}
	return out
}

func markerMissing(rel, what string) error {
	return forgeerrors.TemplateMissing(op, fmt.Sprintf("%s: %s not found", filepath.ToSlash(rel), what))
}

func readErr(rel string, err error) error {
	if os.IsNotExist(err) {
		return forgeerrors.Wrapf(forgeerrors.KindTemplateMissing, op, err, "%s missing from template", filepath.ToSlash(rel))
	}
	return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "read %s", filepath.ToSlash(rel))
}
