// Package lifecycle drives the state machines for the two ephemeral
// resources this tool manages: a spot EC2 instance and an attachable EBS
// volume.
//
// Each controller binds at most one remote resource id at a time and
// appends one journal record per mutating call, so a later invocation can
// rebind to the same resource with LoadLatest. The journal is advisory:
// the provider remains the source of truth, reconciled through Describe
// and State rather than trusted blindly.
//
// There is no cross-process mutual exclusion. Two invocations racing
// against the same data directory can both pass the reuse check and create
// two remote resources; the tool assumes a single operator.
package lifecycle
