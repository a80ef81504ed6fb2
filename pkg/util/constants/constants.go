package constants

const (
	// Tessera is the metric namespace shared by all components.
	Tessera = "tessera"
)
