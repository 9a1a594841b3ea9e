// Package bundler assembles an application bundle from a parsed project.
//
// A run copies the skeleton, the main binary and everything it links
// against, then data, translations, gir typelibs, frameworks and icon themes.
// It writes the GTK module catalogs, rewrites load paths and finally signs
// the Mach-O files. The bundle is built in a hidden sibling directory and
// only renamed into place once every step succeeded.
package bundler
