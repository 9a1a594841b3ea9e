package project

import (
	"path/filepath"
	"regexp"
	"strings"
)

var sourceMacroRe = regexp.MustCompile(`^\$\{(?:project\}|prefix[:}]|pkg:|env:)`)

// Validate checks a source/destination pair before any I/O happens. Sources
// describe build-tree locations and destinations describe bundle-tree
// locations, never the reverse.
func Validate(source, dest string) error {
	if source == "" {
		return configErrorf("the source path cannot be empty")
	}
	if strings.HasPrefix(source, BundleMacro) {
		return configErrorf("the source path %s cannot use a ${bundle} macro", source)
	}
	if dest != "" && strings.HasPrefix(dest, "${prefix") {
		return configErrorf("the destination path %s cannot use a ${prefix} macro", dest)
	}
	if !filepath.IsAbs(source) && !sourceMacroRe.MatchString(source) {
		return configErrorf("the source path %s must be absolute or use one of the predefined macros "+
			"${project}, ${prefix}, ${prefix:*}, ${env:*}, or ${pkg:*:*}", source)
	}
	if !strings.HasPrefix(source, "${prefix") && dest == "" {
		return configErrorf("if the source %s doesn't use a ${prefix} or ${prefix:*} macro, "+
			"the destination path must be set", source)
	}
	if dest != "" && !strings.HasPrefix(dest, BundleMacro) {
		return configErrorf("the destination path %s must start with ${bundle}", dest)
	}
	return nil
}
