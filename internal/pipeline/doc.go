// Package pipeline is the indexing pipeline: it accepts change requests
// for participants, keeps at most one request per participant and action
// in flight, executes them one at a time against the card provider and
// the store, and retries failures on a schedule until they succeed or
// expire into the dead list.
//
// The Manager composes the pieces:
//
//	QueueChange -> Uniqueness -> Queue -> execute -> success: release identity
//	                                           \-> failure: RetryList
//	RetryDueEntries: RetryList.CollectDue -> execute -> success or Reschedule
//	ExpireOldEntries: RetryList.CollectExpired -> DeadList, release identity
//
// Queue, retry list and dead list survive restarts through JSON files in
// the data directory (see Manager.Shutdown and Manager.RunStartupRecovery).
package pipeline
