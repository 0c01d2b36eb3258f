package domain

// ProviderState is a provider status already translated into the internal vocabulary.
type ProviderState struct {
	Kind    ProviderStateKind
	Outputs []string // output URLs, set when Kind is ProviderSucceeded
	Reason  string   // failure reason, set when Kind is ProviderFailed
}

// Terminal reports whether the provider considers the request finished.
func (s ProviderState) Terminal() bool {
	return s.Kind == ProviderSucceeded || s.Kind == ProviderFailed
}
