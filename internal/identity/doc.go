// Package identity handles accounts and sessions: username/password
// registration, phone code login, and the JWT tokens that tie requests
// back to a user.
package identity
