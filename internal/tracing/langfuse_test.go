package tracing

import "testing"

func Test_Tracing_DisabledWithoutKeys(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{},
		{PublicKey: "pk"},
		{SecretKey: "sk", Host: "http://langfuse:3000"},
	}
	for _, cfg := range cases {
		h, flush, ok := New(cfg)
		if ok || h != nil || flush != nil {
			t.Errorf("config %+v: want tracing disabled", cfg)
		}
	}
}

func Test_Tracing_ConfigFromEnv(t *testing.T) {
	t.Setenv("LANGFUSE_HOST", "http://lf:3000")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk")

	cfg := ConfigFromEnv()
	if !cfg.Enabled() || cfg.Host != "http://lf:3000" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
