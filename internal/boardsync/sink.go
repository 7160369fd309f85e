package boardsync

import "github.com/agentworkforce/relayboard/internal/workitem"

// Sink receives the lifecycle notifications of a mutation. For every call
// exactly one of OnSuccess, OnError or OnConflict fires.
type Sink interface {
	OnOptimisticUpdate(itemID string, projected workitem.Item)
	OnOptimisticRollback(itemID string, original workitem.Item)
	OnSuccess(item workitem.Item)
	OnError(message string)
	OnConflict(messages []string)
}

// IDReconciler is implemented by sinks that track provisional ids handed out
// for creations.
type IDReconciler interface {
	OnReconcileID(tempID, serverID string)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	Optimistic  func(itemID string, projected workitem.Item)
	Rollback    func(itemID string, original workitem.Item)
	Success     func(item workitem.Item)
	Error       func(message string)
	Conflict    func(messages []string)
	ReconcileID func(tempID, serverID string)
}

func (f SinkFuncs) OnOptimisticUpdate(itemID string, projected workitem.Item) {
	if f.Optimistic != nil {
		f.Optimistic(itemID, projected)
	}
}

func (f SinkFuncs) OnOptimisticRollback(itemID string, original workitem.Item) {
	if f.Rollback != nil {
		f.Rollback(itemID, original)
	}
}

func (f SinkFuncs) OnSuccess(item workitem.Item) {
	if f.Success != nil {
		f.Success(item)
	}
}

func (f SinkFuncs) OnError(message string) {
	if f.Error != nil {
		f.Error(message)
	}
}

func (f SinkFuncs) OnConflict(messages []string) {
	if f.Conflict != nil {
		f.Conflict(messages)
	}
}

func (f SinkFuncs) OnReconcileID(tempID, serverID string) {
	if f.ReconcileID != nil {
		f.ReconcileID(tempID, serverID)
	}
}

// MultiSink fans notifications out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) OnOptimisticUpdate(itemID string, projected workitem.Item) {
	for _, s := range m {
		s.OnOptimisticUpdate(itemID, projected)
	}
}

func (m MultiSink) OnOptimisticRollback(itemID string, original workitem.Item) {
	for _, s := range m {
		s.OnOptimisticRollback(itemID, original)
	}
}

func (m MultiSink) OnSuccess(item workitem.Item) {
	for _, s := range m {
		s.OnSuccess(item)
	}
}

func (m MultiSink) OnError(message string) {
	for _, s := range m {
		s.OnError(message)
	}
}

func (m MultiSink) OnConflict(messages []string) {
	for _, s := range m {
		s.OnConflict(messages)
	}
}

func (m MultiSink) OnReconcileID(tempID, serverID string) {
	for _, s := range m {
		if r, ok := s.(IDReconciler); ok {
			r.OnReconcileID(tempID, serverID)
		}
	}
}
