package config

// LLMConfig configures the text-generation service.
type LLMConfig struct {
	Provider          string  `yaml:"provider"` // anthropic, openai, gemini
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`    // empty = provider default
	BaseURL           string  `yaml:"base_url"` // empty = provider default
	Timeout           string  `yaml:"timeout"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute"` // 0 = unlimited
}
