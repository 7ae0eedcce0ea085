// Package conduit bridges push and pull data flow under explicit demand.
//
// A [Publisher] pushes values to a [Subscriber], but only as many as the
// subscriber asked for through its [Subscription]. A [Stream] is the pull
// side: the consumer calls [Stream.Next] and suspends until a value is
// ready. The package converts between the two and composes them without
// ever buffering more than the consumer has requested.
//
// # Demand
//
// [Demand] is either a finite count or [Unlimited]. Arithmetic saturates:
// adding to Unlimited stays Unlimited, subtracting clamps at zero.
//
// # Push to pull
//
// [Values] subscribes to a publisher and returns a stream that requests
// exactly one value per call to Next:
//
//	s := conduit.Values(pub)
//	defer s.Stop()
//	for {
//	    v, err := s.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    use(v)
//	}
//
// A publisher failure is returned once; after that Next reports io.EOF.
// Cancelling ctx while Next waits cancels the subscription.
//
// [Publish] goes the other way: it drives a stream from a subscriber's
// demand on a goroutine owned by the subscription.
//
// # Flat-map
//
// [FlatMap] maps every upstream value to a sub-stream and merges the
// sub-streams downstream. At most maxConcurrent transforms run at once;
// each sub-stream keeps its own order while different sub-streams
// interleave. The first failure cancels everything and is the only
// completion delivered. Cancelling the downstream subscription cancels
// upstream and every running transform.
//
//	out := conduit.FlatMap(conduit.Sequence(ids...), conduit.Max(4),
//	    func(ctx context.Context, id int) (*conduit.Stream[Row], error) {
//	        return fetchRows(ctx, id)
//	    })
//	rows, err := conduit.Collect(ctx, out)
//
// # Scopes
//
// FlatMap runs its workers in a [Scope], which is also usable on its own.
// A scope owns a group of fire-and-forget tasks: tasks are started with
// [Scope.Go] and never joined individually, but [Scope.Wait] does not
// return until every one of them has finished.
//
//	err := conduit.Run(ctx, func(sc *conduit.Scope) {
//	    sc.Go("fetch", fetch)
//	    sc.Go("index", index)
//	})
//
// The default [FailFast] policy cancels the remaining tasks on the first
// error; [CollectAll] joins every error. Task errors are wrapped in
// [*TaskError], panics are captured as [*PanicError], and [WithLimit]
// bounds how many tasks run at the same time.
//
// # Cancellation
//
// Cancellation is cooperative and travels through context.Context.
// Suspended callers released by a cancellation receive [ErrCancelled],
// which is never used for domain failures; test for it with [IsCancelled].
//
// Related packages: [github.com/baxromumarov/conduit/mpsc] provides the
// lock-free queue behind the run loop scheduler in
// [github.com/baxromumarov/conduit/runloop].
package conduit
