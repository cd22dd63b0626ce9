package processor

type Middleware func(Processor) Processor

// Chain wraps p so that mws[0] is the outermost layer.
func Chain(p Processor, mws ...Middleware) Processor {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}
