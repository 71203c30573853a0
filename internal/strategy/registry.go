package strategy

// RegisterBuiltins wires the strategy classes shipped with this
// repository. Deployments can still Register additional classes before
// Load.
func RegisterBuiltins(h *Host) {
	h.Register("maker", NewMakerStrategy)
	h.Register("momentum", NewMomentumStrategy)
}
