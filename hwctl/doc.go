/*
Package hwctl runs real-time acquisition hardware behind a command queue.

A Worker owns one Device and drives it through a small state machine:

	NotReady --Open(ok)--> Ready --StartAcquisition--> Acquiring
	NotReady --Open(err)-> NotReady (error recorded, not retried)
	Acquiring --StopAcquisition--> Ready
	NotReady|Ready|Acquiring --Close--> Exiting (terminal)

Every other message/state pairing is ignored. UpdateAcquisition re-applies
drive waveforms in Ready or Acquiring; BeginSave and EndSave toggle saving
independently of the state.

# Loop

While acquiring, each iteration applies at most one pending command and
then polls the device once. Acquired frames go to a bounded queue with a
non-blocking push: when the owner falls behind the frame is dropped and
counted, the device is never stalled. While saving, frames are also handed
to a Sink; with a RingWriter attached their primary payload is mirrored
into a shared ring for display.

While not acquiring the worker blocks on the command queue for at most the
idle wait, so the exit flag set by Stop is always observed promptly.

# Failures

Setup failures leave the worker in NotReady. A poll returning (nil, nil) is
a transient miss. Failed polls are counted; after MaxConsecutiveFailures in
a row acquisition is stopped and ErrAcquisitionStalled is recorded. Errors
never escape the loop: they surface through Status.

# Status

Status is an atomic cell written by the worker and read by the owner
without locks. A snapshot can be shipped to another process and applied to
a mirror cell there (see package supervisor).
*/
package hwctl
