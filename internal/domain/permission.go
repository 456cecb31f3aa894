// Package domain holds the wire-level types shared across the runtime:
// permissions, Contract/Block, Session, PersistenceIntent, CommitReceipt,
// FlowControlSignal, and ProfileRecord (SPEC_FULL §3). These are plain
// data types; behavior lives in the packages that operate on them
// (transpiler, vm, coordinator, asyncqueue, policy, profiler).
package domain

// Permission represents a capability an FFI function or block operation
// may require before the VM is allowed to cross the FFI boundary or the
// Coordinator is allowed to dispatch a given block kind.
type Permission string

const (
	PermStateRead          Permission = "state:read"
	PermStateWrite         Permission = "state:write"
	PermExternalDataFetch  Permission = "external:fetch"
	PermAgentInteract      Permission = "agent:interact"
	PermLLMProcess         Permission = "llm:process"
	PermDisplayEmit        Permission = "display:emit"
	PermCheckpointWrite    Permission = "checkpoint:write"
	PermSessionCancel      Permission = "session:cancel"
	PermPolicyBundleManage Permission = "policy:manage"
)

// Role is a named set of permissions granted to whoever submits a flow
// for execution.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleInvoker  Role = "invoker"
	RoleViewer   Role = "viewer"
)

// Effect determines whether a policy binding allows or denies access.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyBinding binds a role to an optional set of block-kind scopes.
type PolicyBinding struct {
	Role   Role     `json:"role"`
	Blocks []string `json:"blocks,omitempty"`
	Effect Effect   `json:"effect,omitempty"`
}

// RolePermissions maps each role to its granted permission set.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermStateRead, PermStateWrite, PermExternalDataFetch, PermAgentInteract,
		PermLLMProcess, PermDisplayEmit, PermCheckpointWrite, PermSessionCancel,
		PermPolicyBundleManage,
	},
	RoleOperator: {
		PermStateRead, PermStateWrite, PermExternalDataFetch, PermAgentInteract,
		PermLLMProcess, PermDisplayEmit, PermCheckpointWrite, PermSessionCancel,
	},
	RoleInvoker: {
		PermStateRead, PermStateWrite, PermExternalDataFetch, PermAgentInteract,
		PermLLMProcess, PermDisplayEmit,
	},
	RoleViewer: {
		PermStateRead,
	},
}

// ValidRole returns true if the role is a known predefined role.
func ValidRole(r Role) bool {
	_, ok := RolePermissions[r]
	return ok
}

// PermissionsFor returns the permission set granted to a role, nil for an
// unrecognized role.
func PermissionsFor(r Role) []Permission {
	return RolePermissions[r]
}
