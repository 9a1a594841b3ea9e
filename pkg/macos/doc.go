// Package macos wraps the platform tools the bundler drives as black boxes:
// otool, install_name_tool, strings, gtk-update-icon-cache, pkg-config,
// g-ir-compiler and the GTK module query programs.
//
// Every tool goes through a Runner so tests can substitute canned output.
package macos
