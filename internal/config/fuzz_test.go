package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	f.Add([]byte(minimal))
	f.Add([]byte(validConfigUpdated))
	f.Add([]byte(`
backend:
  base_url: "https://functions:5001"
storage:
  driver: redis
  redis:
    addrs: ["localhost:6379"]
retry:
  max_retries: 0
endpoints:
  - name: products.search
    operation: searchProducts
    fallback: {products: []}
`))
	f.Add([]byte(``))
	f.Add([]byte(`endpoints: []`))
	f.Add([]byte(`retry: { max_retries: -3 }`))

	f.Fuzz(func(t *testing.T, data []byte) {
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if n := cfg.Retry.Retries(); n < 0 || n > 10 {
			t.Errorf("retry count escaped validation: %d", n)
		}
		if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
			t.Errorf("invalid backoff escaped validation: base=%v max=%v", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
		}
		if len(cfg.Endpoints) == 0 {
			t.Error("empty catalogue escaped validation")
		}
		for i, e := range cfg.Endpoints {
			if _, _, err := e.FallbackJSON(); err != nil {
				t.Errorf("endpoints[%d] fallback not encodable: %v", i, err)
			}
		}
	})
}
