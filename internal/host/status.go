package host

import "strings"

// statusReport renders a snapshot of connected clients as newline-
// separated "name\tstate" rows, excluding the requesting client itself
// (spec.md §4 supplemented feature: cdevctl status). This is a minimal,
// additive extension of the control protocol -- not a new wire format,
// just another command/reply pair alongside echo/bye/boot/shutdown.
func (r *Router) statusReport(excludeID uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for id, c := range r.clients {
		if id == excludeID {
			continue
		}
		if c.Name == "" {
			continue
		}
		b.WriteString(c.Name)
		b.WriteByte('\t')
		b.WriteString(c.state.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
