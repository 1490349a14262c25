package probook

// Redirect is the role/landing decision for the current user.
type Redirect struct {
	Role   string `json:"role"`
	Target string `json:"target"`
}

// Profile is the authenticated user's account summary.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type pushTokenRequest struct {
	Token string `json:"token"`
}
