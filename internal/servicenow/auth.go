package servicenow

import "encoding/base64"

// Credentials is the user/password pair sent with every Table API request
// using HTTP Basic Authentication.
type Credentials struct {
	Username string
	Password string
}

// header returns the "Basic <base64>" Authorization header value per
// RFC 7617.
func (c Credentials) header() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// String hides the password so credentials can be logged safely.
func (c Credentials) String() string {
	return c.Username + ":****"
}
