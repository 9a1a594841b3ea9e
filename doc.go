// Package main provides the go-appbundler CLI, which turns a GTK build
// prefix into a relocatable macOS application bundle.
//
// The library packages live under pkg/:
//
//	import "github.com/aluedeke/go-appbundler/pkg/bundler"
//
// # Installation
//
//	go install github.com/aluedeke/go-appbundler@latest
//
// # Bundle descriptions
//
// A bundle description is an XML file with an app-bundle root element:
//
//	<app-bundle>
//	  <meta>
//	    <prefix name="default">${env:JHBUILD_PREFIX}</prefix>
//	    <destination overwrite="yes">${project}/dist</destination>
//	    <gtk>gtk+-3.0</gtk>
//	    <run-install-name-tool/>
//	  </meta>
//	  <plist>${project}/Info.plist</plist>
//	  <main-binary>${prefix}/bin/myapp</main-binary>
//	  <binary>${prefix}/lib/gdk-pixbuf-2.0/${pkg:gdk-pixbuf-2.0:gdk_pixbuf_binary_version}/loaders/*.so</binary>
//	  <translations name="myapp">${prefix}/share/locale</translations>
//	  <icon-theme icons="auto">Adwaita</icon-theme>
//	</app-bundle>
package main
