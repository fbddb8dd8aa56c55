package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
auth:
  enabled: false
routes:
  - path: "/api"
    backend:
      url: "http://localhost:3000"
`))
	f.Add([]byte(`
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
routes:
  - path: "/api/"
    routes:
      - path: "users/{id}"
        methods: ["GET"]
        backend:
          url: "https://backend:3000"
          strip_prefix: true
          timeout_ms: 5000
      - path: "status"
        respond:
          status: 204
  - path: "/ws"
    upgrade:
      backend: "ws://stream:7000"
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`routes: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`auth: { enabled: false }
routes:
  - path: "/"
    respond:
      body: "root"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		var check func(routes []RouteConfig, depth int)
		check = func(routes []RouteConfig, depth int) {
			if depth > maxRouteDepth {
				t.Fatalf("route tree deeper than %d escaped validation", maxRouteDepth)
			}
			for i := range routes {
				r := &routes[i]
				if r.Path == "" {
					t.Error("route without path escaped validation")
				}
				if r.Behavior() == "none" {
					t.Errorf("route %q without behavior escaped validation", r.Path)
				}
				check(r.Routes, depth+1)
			}
		}
		check(cfg.Routes, 1)
	})
}
