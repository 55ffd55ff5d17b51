package grpctx

// Await adapts a callback-based primitive to a blocking call: start receives
// a handler to pass to exactly one primitive, and Await parks the calling
// goroutine until that handler completes, returning the boolean outcome.
//
// Await must not be called from the run goroutine - the completion could
// never be dispatched - and panics if it is. Note that a handler dropped by
// the discard path (context shutdown) never completes; await-style code
// should cancel its operations before shutting the context down.
func Await(c *Context, start func(h Handler)) bool {
	if c.runningInThisGoroutine() {
		panic("grpctx: Await called from the run goroutine")
	}
	ch := make(chan bool, 1)
	start(HandlerFunc(func(ok bool) { ch <- ok }))
	return <-ch
}
