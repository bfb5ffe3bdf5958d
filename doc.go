// Package procengine composes the runtime core of a process engine: a
// command executor with an interceptor chain, an event dispatcher bridged
// to typed runtime events, and an asynchronous job scheduler, all over one
// job store.
//
// An Engine is built from a Config by New and torn down by Close. Built
// engines are reachable by name through a process-wide Registry.
//
//	cfg := procengine.DefaultConfig()
//	cfg.Handlers.RegisterFunc("send-reminder", sendReminder)
//	cfg.Scheduler.AutoActivate = true
//
//	engine, err := procengine.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer engine.Close(ctx)
//
//	_, err = engine.ManagementService().ScheduleTimer(ctx, "send-reminder", time.Now().Add(time.Hour))
package procengine
