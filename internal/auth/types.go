package auth

import "time"

// Activatable is implemented by every entity that can be switched off
// without being removed.
type Activatable interface {
	Active() bool
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	Bio          string     `json:"bio,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsDeleted    bool       `json:"is_deleted"`
	IsVerified   bool       `json:"is_verified"`
	IsSuperuser  bool       `json:"is_superuser"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Active reports whether the account may authenticate.
func (u User) Active() bool { return u.IsActive && !u.IsDeleted }

// FullName joins first and last name, falling back to the email.
func (u User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Email
	}
}

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsDeleted   bool      `json:"is_deleted"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Role) Active() bool { return r.IsActive && !r.IsDeleted }

// Permission is a resource:action capability.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p Permission) Active() bool { return p.IsActive }

// NewUser carries the fields needed to create an account.
type NewUser struct {
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Phone        string
	IsActive     bool
	IsSuperuser  bool
	IsVerified   bool

	// WithDefaultRole assigns the active default role, if one exists, in the
	// same atomic unit as the insert.
	WithDefaultRole bool
}

type UserUpdate struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsVerified  *bool   `json:"is_verified,omitempty"`
	IsSuperuser *bool   `json:"is_superuser,omitempty"`
}

func (u UserUpdate) empty() bool {
	return u.FirstName == nil && u.LastName == nil && u.Phone == nil && u.AvatarURL == nil &&
		u.Bio == nil && u.IsActive == nil && u.IsVerified == nil && u.IsSuperuser == nil
}

type RoleUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

type PermissionUpdate struct {
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// PageRequest selects one page of a listing. Page is 1-based.
type PageRequest struct {
	Page    int
	PerPage int
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Normalize clamps the request into valid bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = defaultPerPage
	}
	if p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

func (p PageRequest) Offset() int { return (p.Page - 1) * p.PerPage }

// Page is a slice of results plus the totals needed by clients.
type Page[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Pages   int `json:"pages"`
}

// NewPage computes the page count for total.
func NewPage[T any](items []T, total int, req PageRequest) Page[T] {
	pages := 0
	if req.PerPage > 0 {
		pages = (total + req.PerPage - 1) / req.PerPage
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: req.Page, PerPage: req.PerPage, Pages: pages}
}

type UserFilter struct {
	PageRequest
	Search   string
	IsActive *bool
}

type RoleFilter struct {
	PageRequest
	Search   string
	IsActive *bool
}

type PermissionFilter struct {
	PageRequest
	Search   string
	Resource string
	IsActive *bool
}

// ResetToken is the persisted form of a password reset token. Only the
// SHA-256 of the raw value is stored.
type ResetToken struct {
	ID            string
	UserID        string
	TokenHash     string
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	InvalidatedAt *time.Time
	CreatedAt     time.Time
}

// Pending reports whether the token can still be consumed at now.
func (t ResetToken) Pending(now time.Time) bool {
	return t.ConsumedAt == nil && t.InvalidatedAt == nil && now.Before(t.ExpiresAt)
}
