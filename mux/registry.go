package mux

// registry is the session's bookkeeping of streams keyed by identifier.
// A retired identifier leaves a nil tombstone behind: if we deleted the
// entry straight away, the read loop would not be able to tell whether a
// data frame it received belongs to a new stream or to a dying stream whose
// frame arrived late. Enumeration follows insertion order.
//
// registry is not safe for concurrent use; all access goes through the
// owning session's streamsM.
type registry struct {
	streams map[uint32]*Stream
	order   []uint32
}

func newRegistry() *registry {
	return &registry{
		streams: map[uint32]*Stream{},
	}
}

func (r *registry) add(s *Stream) {
	r.streams[s.id] = s
	r.order = append(r.order, s.id)
}

// get returns the stream for id. known reports whether the identifier has
// ever been registered; a known id with a nil stream has since been retired.
func (r *registry) get(id uint32) (s *Stream, known bool) {
	s, known = r.streams[id]
	return s, known
}

// retire replaces the entry with a tombstone.
func (r *registry) retire(id uint32) {
	if _, ok := r.streams[id]; ok {
		r.streams[id] = nil
	}
}

// live returns all non-retired streams in insertion order.
func (r *registry) live() []*Stream {
	var out []*Stream
	for _, id := range r.order {
		if s := r.streams[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}
