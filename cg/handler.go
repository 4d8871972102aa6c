package cg

import "github.com/gomlx/exceptions"

// Handler owns the variables of one code-generation sweep. Each sweep that
// needs to be isolated (e.g. the per-column replays of the atomic-safe
// strategy) uses its own Handler; sweeps that share a traced graph share one.
type Handler struct {
	independents []*Expr
	directions   []*Expr
}

// NewHandler returns an empty Handler.
func NewHandler() *Handler { return &Handler{} }

// MakeVariables creates n primary independent variables, named "x[i]" by the
// emitter, in creation order.
func (h *Handler) MakeVariables(n int) []*Expr {
	if n <= 0 {
		exceptions.Panicf("cg: MakeVariables requires n > 0, got %d", n)
	}
	vars := make([]*Expr, n)
	for i := range vars {
		vars[i] = &Expr{op: OpVar, class: ClassIndependent, index: len(h.independents)}
		h.independents = append(h.independents, vars[i])
	}
	return vars
}

// MakeDirectionVariable creates one direction variable, named "dx[k]" (or the
// configured direction name) by the emitter.
func (h *Handler) MakeDirectionVariable() *Expr {
	v := &Expr{op: OpVar, class: ClassDirection, index: len(h.directions)}
	h.directions = append(h.directions, v)
	return v
}

// NumIndependents returns the number of primary variables created so far.
func (h *Handler) NumIndependents() int { return len(h.independents) }

// NumDirections returns the number of direction variables created so far.
func (h *Handler) NumDirections() int { return len(h.directions) }
