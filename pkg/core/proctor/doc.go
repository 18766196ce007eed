// Package proctor implements the per-session integrity engine for remote exams.
//
// Each live exam session owns one [Machine], one [PhoneTimer] and one [Ledger].
// Perception ticks are stepped through the machine and the phone timer, the
// two per-tick analyses are merged by [Fuse], and the resulting [Decision] is
// applied to the ledger. The ledger reports whether anything observable
// changed, which is the only trigger for an outbound broadcast.
//
// # State Machine
//
//	FOCUSED ⇄ DISTRACTED(head_pose|gaze) ⇄ CRITICAL_MULTIPLE_FACES
//	   │                                          │
//	   └──── no face > away threshold ────────────┘
//	                    ↓
//	                  AWAY → WELCOME_BACK → VERIFYING → FOCUSED
//	                                             └────→ CRITICAL_IMPERSONATION
//
// Identity verification is asynchronous. The machine only reserves a
// [VerificationSlot] and returns a [Job]; the caller hands the job to a
// [Scheduler] and posts the result back with [Machine.Deliver]. Results for
// jobs that were cancelled (session went away) are discarded by job id.
//
// Nothing in this package performs I/O or reads the wall clock directly;
// every time-dependent type takes an injected clock.
package proctor
