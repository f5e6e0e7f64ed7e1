package template

import "regexp"

// Field patterns for the Gradle and resource files. Each pattern captures the
// text before the value in group 1 so a substitution can keep the original
// spacing and assignment style (Groovy `key "v"` or Kotlin DSL `key = "v"`).
var (
	ApplicationIDField = regexp.MustCompile(`(\bapplicationId(?:\s*=\s*|\s+))"[^"\r\n]*"`)
	NamespaceField     = regexp.MustCompile(`(\bnamespace(?:\s*=\s*|\s+))"[^"\r\n]*"`)
	VersionNameField   = regexp.MustCompile(`(\bversionName(?:\s*=\s*|\s+))"[^"\r\n]*"`)
	VersionCodeField   = regexp.MustCompile(`(\bversionCode(?:\s*=\s*|\s+))\d+`)
	AppNameField       = regexp.MustCompile(`(<string\s+name="app_name"[^>]*>)[^<]*(</string>)`)
)

// PackageDeclaration matches the `package <id>;` line of a Java source file.
func PackageDeclaration(packageID string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^(\s*package\s+)` + regexp.QuoteMeta(packageID) + `(\s*;)`)
}

// PackageIDToken matches packageID as a whole dotted identifier, so a
// marker of com.example.app leaves com.example.application alone but still
// matches the prefix of com.example.app.MainActivity. Group 1 is the
// character before the match.
func PackageIDToken(packageID string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^\w.$])` + regexp.QuoteMeta(packageID) + `\b`)
}

// QuotedLiteral matches s as a double-quoted string literal.
func QuotedLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(s) + `"`)
}
