package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// OutputKind selects which Gradle task a build runs and which artifact it publishes.
type OutputKind string

const (
	// OutputBinary is a single installable APK.
	OutputBinary OutputKind = "apk"
	// OutputBundle is a distributable Android App Bundle.
	OutputBundle OutputKind = "aab"
)

func ParseOutputKind(v string) (OutputKind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "apk", "binary":
		return OutputBinary, nil
	case "aab", "bundle":
		return OutputBundle, nil
	default:
		return "", fmt.Errorf("unknown output kind %q", v)
	}
}

// Extension is the file extension of the published artifact, without the dot.
func (k OutputKind) Extension() string {
	return string(k)
}

func (k OutputKind) Valid() bool {
	return k == OutputBinary || k == OutputBundle
}

// Request is a single build request.
type Request struct {
	AppName     string     `json:"app_name"`
	PackageID   string     `json:"package_id"`
	TargetURL   string     `json:"target_url"`
	IconPath    string     `json:"icon_path,omitempty"`
	OutputKind  OutputKind `json:"output_kind"`
	VersionName string     `json:"version_name,omitempty"`
	VersionCode int        `json:"version_code,omitempty"`
	// ContactEmail receives the download link once the build is published.
	ContactEmail string `json:"contact_email,omitempty"`
}

var (
	packageSegmentRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	versionNameRE    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
)

// Java keywords cannot be package segments.
var reservedSegments = map[string]struct{}{
	"abstract": {}, "assert": {}, "boolean": {}, "break": {}, "byte": {}, "case": {},
	"catch": {}, "char": {}, "class": {}, "const": {}, "continue": {}, "default": {},
	"do": {}, "double": {}, "else": {}, "enum": {}, "extends": {}, "final": {},
	"finally": {}, "float": {}, "for": {}, "goto": {}, "if": {}, "implements": {},
	"import": {}, "instanceof": {}, "int": {}, "interface": {}, "long": {}, "native": {},
	"new": {}, "package": {}, "private": {}, "protected": {}, "public": {}, "return": {},
	"short": {}, "static": {}, "strictfp": {}, "super": {}, "switch": {}, "synchronized": {},
	"this": {}, "throw": {}, "throws": {}, "transient": {}, "try": {}, "void": {},
	"volatile": {}, "while": {}, "true": {}, "false": {}, "null": {},
}

func ParseRequest(raw []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	return r, nil
}

// Normalize trims fields, applies defaults and NFC-normalizes the app name.
func (r *Request) Normalize() {
	r.AppName = norm.NFC.String(strings.TrimSpace(r.AppName))
	r.PackageID = strings.TrimSpace(r.PackageID)
	r.TargetURL = strings.TrimSpace(r.TargetURL)
	r.IconPath = strings.TrimSpace(r.IconPath)
	r.VersionName = strings.TrimSpace(r.VersionName)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
	if r.OutputKind == "" {
		r.OutputKind = OutputBinary
	}
}

func (r Request) Validate() error {
	if r.AppName == "" {
		return errors.New("app_name is required")
	}
	if strings.ContainsAny(r.AppName, "\r\n") {
		return errors.New("app_name must be a single line")
	}
	if err := ValidatePackageID(r.PackageID); err != nil {
		return err
	}
	u, err := url.Parse(r.TargetURL)
	if err != nil {
		return fmt.Errorf("target_url: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target_url must be an absolute http(s) url, got %q", r.TargetURL)
	}
	if strings.ContainsAny(r.TargetURL, "\"\\\r\n") {
		return errors.New("target_url contains characters that cannot appear in a string literal")
	}
	if !r.OutputKind.Valid() {
		return fmt.Errorf("unknown output_kind %q", r.OutputKind)
	}
	if r.VersionName != "" && !versionNameRE.MatchString(r.VersionName) {
		return fmt.Errorf("invalid version_name %q", r.VersionName)
	}
	if r.VersionCode < 0 {
		return errors.New("version_code must not be negative")
	}
	if r.ContactEmail != "" {
		addr, err := mail.ParseAddress(r.ContactEmail)
		if err != nil || addr.Address != r.ContactEmail {
			return fmt.Errorf("contact_email must be a bare address, got %q", r.ContactEmail)
		}
	}
	return nil
}

// ValidatePackageID checks that id is a dotted Java package name with at
// least two segments. The id becomes a directory name, so this also keeps
// it free of path separators.
func ValidatePackageID(id string) error {
	if id == "" {
		return errors.New("package_id is required")
	}
	segments := strings.Split(id, ".")
	if len(segments) < 2 {
		return fmt.Errorf("package_id %q needs at least two segments", id)
	}
	for _, seg := range segments {
		if !packageSegmentRE.MatchString(seg) {
			return fmt.Errorf("package_id %q has invalid segment %q", id, seg)
		}
		if _, reserved := reservedSegments[seg]; reserved {
			return fmt.Errorf("package_id %q uses reserved word %q", id, seg)
		}
	}
	return nil
}

// Segments splits the package id on dots.
func (r Request) Segments() []string {
	return strings.Split(r.PackageID, ".")
}

// ArtifactName is the stable published name, <packageId>.<ext>.
func ArtifactName(packageID string, kind OutputKind) string {
	return packageID + "." + kind.Extension()
}
