// Package template inspects and provisions the read-only Android project
// skeleton that every build is cloned from.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
)

// Layout lists the template files that substitutions touch, relative to the root.
type Layout struct {
	Manifest    string
	BuildGradle string
	Strings     string
	EntryPoint  string
	IconSlot    string
	Wrapper     string
	WrapperBat  string
}

func DefaultLayout(m config.Markers) Layout {
	return Layout{
		Manifest:    "app/src/main/AndroidManifest.xml",
		BuildGradle: "app/build.gradle",
		Strings:     "app/src/main/res/values/strings.xml",
		EntryPoint:  filepath.FromSlash(m.EntryPoint),
		IconSlot:    filepath.FromSlash(m.IconSlot),
		Wrapper:     "gradlew",
		WrapperBat:  "gradlew.bat",
	}
}

// Store is a template root on disk. Builds only ever read from it.
type Store struct {
	Root    string
	Layout  Layout
	Markers config.Markers
}

func New(root string, markers config.Markers) *Store {
	return &Store{Root: root, Layout: DefaultLayout(markers), Markers: markers}
}

func FromConfig(cfg config.Config) *Store {
	return New(cfg.TemplateRoot(), cfg.Markers)
}

type Report struct {
	Root      string    `json:"root"`
	Healthy   bool      `json:"healthy"`
	Problems  []string  `json:"problems,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Exists returns a TemplateMissing error when the root is not a directory.
func (s *Store) Exists() error {
	fi, err := os.Stat(s.Root)
	if err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindTemplateMissing, "template", err, "template root %s", s.Root)
	}
	if !fi.IsDir() {
		return forgeerrors.TemplateMissing("template", fmt.Sprintf("template root %s is not a directory", s.Root))
	}
	return nil
}

// Check verifies that the root exists and every marker a build substitutes
// is present. A missing root is returned as an error; missing files or
// markers are listed in the report.
func (s *Store) Check() (Report, error) {
	report := Report{Root: s.Root, CheckedAt: time.Now().UTC()}
	if err := s.Exists(); err != nil {
		report.Problems = []string{err.Error()}
		return report, err
	}

	s.requireMatch(&report, s.Layout.Manifest, PackageIDToken(s.Markers.PackageID), "package id marker "+s.Markers.PackageID)
	s.requireMatch(&report, s.Layout.BuildGradle, ApplicationIDField, "applicationId field")
	s.requireMatch(&report, s.Layout.Strings, AppNameField, "app_name string")
	s.requireMatch(&report, s.Layout.EntryPoint, PackageDeclaration(s.Markers.PackageID), "package declaration")
	s.requireMatch(&report, s.Layout.EntryPoint, QuotedLiteral(s.Markers.PlaceholderURL), "placeholder url")
	for _, rel := range []string{s.Layout.IconSlot, s.Layout.Wrapper} {
		if _, err := os.Stat(filepath.Join(s.Root, rel)); err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("%s: missing", filepath.ToSlash(rel)))
		}
	}
	report.Healthy = len(report.Problems) == 0
	return report, nil
}

func (s *Store) requireMatch(report *Report, rel string, re *regexp.Regexp, what string) {
	raw, err := os.ReadFile(filepath.Join(s.Root, rel))
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("%s: missing", filepath.ToSlash(rel)))
		return
	}
	if !re.Match(raw) {
		report.Problems = append(report.Problems, fmt.Sprintf("%s: %s not found", filepath.ToSlash(rel), what))
	}
}

// Path joins rel onto the root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.Root, rel)
}

func (r Report) String() string {
	if r.Healthy {
		return fmt.Sprintf("template %s: ok", r.Root)
	}
	return fmt.Sprintf("template %s: %s", r.Root, strings.Join(r.Problems, "; "))
}
