// Package logging provides structured logging with OpenTelemetry integration.
//
// The Logger wraps Zap with a Trace level below Debug, dual output (stdout
// and an OpenTelemetry log bridge), secret redaction and level-aware
// sampling that never drops errors.
//
// Context-aware methods add correlation fields automatically:
//
//	ctx = logging.WithRun(ctx, logging.Run{ProjectID: "shop-cart", Phase: "development"})
//	logger.Info(ctx, "task dispatched", zap.String("task.id", "T-3"))
//
// produces
//
//	{"level":"info","msg":"task dispatched","project.id":"shop-cart","phase":"development","task.id":"T-3"}
//
// Audit records (gate votes, phase changes, decisions, escalations) go
// through Logger.Audit so they can be filtered on audit=true.
package logging
