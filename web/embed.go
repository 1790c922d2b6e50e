// Package web embeds the dashboard and account pages.
package web

import "embed"

// TemplatesFS holds the page templates; layout.html defines the shared
// header and footer.
//
//go:embed templates/*.html
var TemplatesFS embed.FS

// StaticFS holds the stylesheet and the dashboard script.
//
//go:embed static/*
var StaticFS embed.FS
