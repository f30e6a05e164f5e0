package main

import (
	crand "crypto/rand"
	"encoding/json"
	"flag"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// hits counts page views by path and by Referer header.
type hits struct {
	mu        sync.Mutex
	paths     map[string]int
	referrers map[string]int
	clicks    int
}

func (h *hits) record(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths[r.URL.Path]++
	ref := r.Header.Get("Referer")
	if ref == "" {
		ref = "(direct)"
	}
	h.referrers[ref]++
}

var pageTpl = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{ .Title }}</title>
<style>
body{font-family:sans-serif;margin:0 auto;max-width:760px;padding:16px}
.block{height:420px;border-bottom:1px solid #ddd;padding:12px 0}
.ad-banner{display:block;background:#fde68a;padding:18px;margin:12px 0}
</style></head>
<body>
<h1>{{ .Title }}</h1>
<nav>
  <a href="/">Home</a> | <a href="/articles/1">Article 1</a> | <a href="/articles/2">Article 2</a>
  | <a href="/out">Partner</a>
</nav>
{{ range .Blocks }}
<div class="block">
  <p>Section {{ . }}. Lorem ipsum dolor sit amet, consectetur adipiscing elit.</p>
  <a class="ad-banner" id="ad-{{ . }}" href="/click?ad={{ . }}">Sponsored offer {{ . }}</a>
  <button type="button" onclick="this.textContent='clicked'">Like</button>
</div>
{{ end }}
</body></html>`))

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	flag.Parse()

	h := &hits{paths: make(map[string]int), referrers: make(map[string]int)}
	render := func(w http.ResponseWriter, title string, blocks int) {
		list := make([]int, blocks)
		for i := range list {
			list[i] = i + 1
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = pageTpl.Execute(w, map[string]any{"Title": title, "Blocks": list})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	mux.HandleFunc("/mock/stats", func(w http.ResponseWriter, _ *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"paths":     h.paths,
			"referrers": h.referrers,
			"clicks":    h.clicks,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		h.record(r)
		render(w, "Mock landing page", 8)
	})

	mux.HandleFunc("/articles/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.record(r)
		render(w, "Article "+r.PathValue("id"), 5)
	})

	// /click simulates an ad that leaves the landing page.
	mux.HandleFunc("/click", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.clicks++
		h.mu.Unlock()
		http.Redirect(w, r, "/away?token="+randString(6), http.StatusFound)
	})

	mux.HandleFunc("/out", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/away", http.StatusFound)
	})

	mux.HandleFunc("/away", func(w http.ResponseWriter, r *http.Request) {
		h.record(r)
		render(w, "Advertiser page", 2)
	})

	// /slow delays the response by ms milliseconds to exercise navigation timeouts.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		if ms <= 0 {
			ms = 90_000
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		h.record(r)
		render(w, "Slow page", 1)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock site listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
