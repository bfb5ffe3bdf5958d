// Package command provides the command execution pipeline of the engine.
//
// Every storage mutation, whether it comes from application code or from
// the asynchronous job scheduler, runs as a [Command] through an
// [Executor]. The executor wraps each call in an ordered chain of
// [Interceptor] values:
//
//	Logging → Recover → Tracing → Metrics → Transaction → Retry → command
//
// The Transaction interceptor binds a [Session] to the context. Nested
// executions that find a session participate in it, so exactly one commit
// or rollback happens per top-level call, at the outermost boundary.
//
// # Writing Commands
//
//	cmd := command.Func("complete-task", func(ctx context.Context) (any, error) {
//	    // storage calls made with ctx join the active session
//	    return nil, store.Update(ctx, task)
//	})
//	_, err := executor.ExecuteDefault(ctx, cmd)
package command
