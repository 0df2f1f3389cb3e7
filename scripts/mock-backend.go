// +build ignore

// Mock upstream for poking the gateway by hand.
// Run with: go run scripts/mock-backend.go -port 9001
//
// /slow answers after -delay, /fail answers -status, /soap echoes an
// XML envelope and everything else echoes request info as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "upstream", "Server name echoed in responses")
	delay := flag.Duration("delay", 2*time.Second, "Delay for /slow responses")
	status := flag.Int("status", 503, "Status for /fail responses")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(*delay)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": *name,
			"slept":  delay.String(),
		})
	})

	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": *name,
			"status": *status,
		})
	})

	mux.HandleFunc("/soap", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprintf(w, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body><EchoResponse server=%q bytes="%d"/></soap:Body>
</soap:Envelope>`, *name, len(body))
	})

	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"server": *name},
		})
	})

	// Everything else echoes the request so header forwarding and
	// routing are visible from the client side.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server":     *name,
			"path":       r.URL.Path,
			"method":     r.Method,
			"query":      r.URL.RawQuery,
			"body_bytes": len(body),
			"timestamp":  time.Now().Format(time.RFC3339),
			"headers":    headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock upstream %q listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
