package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
// RoleUser and RoleDeliveryPartner double as the caller_type of a call record.
const (
	RoleUser            = "user"
	RoleDeliveryPartner = "delivery_partner"
	RoleSeller          = "seller"
	RoleAdmin           = "admin"
	RoleSuperAdmin      = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsCallParticipant reports whether role may place or receive in-app calls.
func IsCallParticipant(role string) bool {
	return role == RoleUser || role == RoleDeliveryPartner
}

// Counterpart returns the role on the other end of a customer/delivery call.
func Counterpart(role string) string {
	if role == RoleDeliveryPartner {
		return RoleUser
	}
	return RoleDeliveryPartner
}

func IsKnownRole(role string) bool {
	switch role {
	case RoleUser, RoleDeliveryPartner, RoleSeller, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
