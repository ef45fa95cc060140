package ingress

import "github.com/emersion/go-sasl"

// loginAuthenticator verifies a username/password pair collected over two
// challenge/response round-trips (AUTH LOGIN). Adapted from the teacher's
// internal/auth/sasllogin, itself a copy of a since-removed upstream
// go-sasl server implementation — LOGIN predates PLAIN and is kept around
// only for legacy clients that can't be updated.
type loginAuthenticator func(username, password string) error

type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

type loginServer struct {
	state              loginState
	username, password string
	authenticate       loginAuthenticator
}

func newLoginServer(authenticate loginAuthenticator) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		if response == nil {
			challenge = []byte("Username:")
			break
		}
		a.state++
		fallthrough
	case loginWaitingUsername:
		a.username = string(response)
		challenge = []byte("Password:")
	case loginWaitingPassword:
		a.password = string(response)
		err = a.authenticate(a.username, a.password)
		done = true
	default:
		err = sasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}
