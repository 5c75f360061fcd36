/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"embed"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

//go:embed assets/*
var assets embed.FS

type gameLink struct {
	path        string
	title       string
	description string
}

var gameLinks = []gameLink{
	{
		path:        "/bombparty",
		title:       "Bomb Party",
		description: "Ein Wort, eine tickende Bombe, ein Handy, das im Kreis wandert. Wer es hält, wenn es knallt, verliert die Runde.",
	},
}

func pageHeader(title string) string {
	var b strings.Builder

	b.WriteString(`<!DOCTYPE html><html lang="de"><head><meta charset="utf-8">`)
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
	b.WriteString(getFavicon())
	b.WriteString(`<link rel="stylesheet" href="/assets/site.css">`)
	b.WriteString(fmt.Sprintf("<title>%s</title></head><body>", title))

	return b.String()
}

func pageFooter(cfg *Config) string {
	return fmt.Sprintf(`<footer><a href="%s/">Start</a> · <a href="%s/about">Über</a> · v%s</footer></body></html>`,
		cfg.prefix, cfg.prefix, releaseVersion)
}

func homePage(cfg *Config) string {
	var b strings.Builder

	b.WriteString(pageHeader("Wie macht der Bär"))
	b.WriteString(`<main class="home"><h1>Wie macht der Bär?</h1>`)
	b.WriteString(`<p>Partyspiele für ein Handy und einen Raum voller Leute.</p><ul class="games">`)
	for _, g := range gameLinks {
		b.WriteString(fmt.Sprintf(`<li><a href="%s%s"><h2>%s</h2><p>%s</p></a></li>`,
			cfg.prefix, g.path, g.title, g.description))
	}
	b.WriteString(`</ul></main>`)
	b.WriteString(pageFooter(cfg))

	return b.String()
}

func aboutPage(cfg *Config) string {
	var b strings.Builder

	b.WriteString(pageHeader("Über Wie macht der Bär"))
	b.WriteString(`<main class="about"><h1>Über</h1>`)
	b.WriteString(`<p>Alle Spiele laufen im Browser, ohne Konto und ohne Anmeldung. `)
	b.WriteString(`Gespeichert werden nur deine Einstellungen: Rundenlänge, Rundenanzahl und Lautstärke.</p>`)
	b.WriteString(`<p>Bomb Party: Tragt alle Mitspielenden ein, wählt eine Kategorie und startet die Runde. `)
	b.WriteString(`Sagt etwas, das zum Begriff passt, und gebt das Handy weiter. Nach der Explosion wählt ihr, wer es zuletzt hatte.</p>`)
	b.WriteString(`</main>`)
	b.WriteString(pageFooter(cfg))

	return b.String()
}

func servePage(cfg *Config, name string, render func(*Config) string, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		written, err := io.WriteString(w, render(cfg))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: %s page (%s) to %s in %s",
			name,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveAssets(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		fname := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, cfg.prefix), "/")

		data, err := assets.ReadFile(fname)
		if err != nil {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		ext := strings.ToLower(filepath.Ext(fname))
		switch ext {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		case ".html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		case ".woff2":
			w.Header().Set("Content-Type", "font/woff2")
		}

		_, err = w.Write(data)
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /

User-agent: *
Disallow: /bombparty/`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}

func registerHome(cfg *Config, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/", servePage(cfg, "Home", homePage, errs))
	mux.GET(cfg.prefix+"/about", servePage(cfg, "About", aboutPage, errs))
	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, errs))
}
