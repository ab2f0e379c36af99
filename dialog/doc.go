// Package dialog implements the SIP dialog entity (RFC 3261 §12) and a concurrent dialog registry.
//
// A [Dialog] owns the Call-ID, the local and remote tags, both CSeq counters, the remote target,
// the route set and the recovery bookkeeping of one call leg. Every method is safe for concurrent use;
// mutations are serialized by a per-dialog mutex, so request templates never reuse or skip a CSeq value.
//
// The state machine is Initial -> Early -> Confirmed -> Terminated with a Recovering detour that is
// entered from Confirmed and returns to it. Terminated is absorbing.
package dialog
