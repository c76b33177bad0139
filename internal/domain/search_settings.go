package domain

// IndexModelStatus is the lifecycle of a search settings generation.
type IndexModelStatus string

const (
	// ModelPresent serves queries.
	ModelPresent IndexModelStatus = "PRESENT"
	// ModelFuture is being built and will replace PRESENT after the swap.
	ModelFuture IndexModelStatus = "FUTURE"
	// ModelPast has been retired.
	ModelPast IndexModelStatus = "PAST"
)

// SearchSettings is one embedding configuration generation. Documents are
// indexed once per live generation.
type SearchSettings struct {
	ID        int64            `db:"id"         json:"id"`
	ModelName string           `db:"model_name" json:"model_name"`
	ModelDim  int              `db:"model_dim"  json:"model_dim"`
	Normalize bool             `db:"normalize"  json:"normalize"`
	IndexName string           `db:"index_name" json:"index_name"`
	Status    IndexModelStatus `db:"status"     json:"status"`
	// ProviderType is nil for models served by the local model server.
	ProviderType *string `db:"provider_type" json:"provider_type,omitempty"`
}

// IsSelfHosted reports whether embeddings come from the local model server.
func (s *SearchSettings) IsSelfHosted() bool {
	return s.ProviderType == nil
}
