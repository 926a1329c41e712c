// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth defines the credential collaborator: the signed-in user and
// the tokens sent with every remote request.
package auth

import (
	"context"
	"sync"
)

// A User is the principal that owns a mutation queue. The zero value is the
// unauthenticated user.
type User struct {
	UID string
}

// Unauthenticated is the user of a client that has not signed in.
var Unauthenticated = User{}

// IsAuthenticated reports whether u is signed in.
func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key returns a string identifying u, suitable as a map key.
func (u User) Key() string {
	if u.IsAuthenticated() {
		return u.UID
	}
	return "anonymous-user"
}

// A Token is an access token for the remote backend.
type Token struct {
	Value string
	User  User
}

// CredentialsProvider supplies tokens and reports user changes.
type CredentialsProvider interface {
	// GetToken returns a token for the current user. A nil token means the
	// request is sent unauthenticated. If forceRefresh is true, a cached
	// token must not be returned.
	GetToken(ctx context.Context, forceRefresh bool) (*Token, error)
	// SetUserChangeListener registers f, which is called once with the
	// current user and again on every change. Passing nil removes it.
	SetUserChangeListener(f func(User))
}

// EmptyCredentialsProvider always reports the unauthenticated user and no token.
type EmptyCredentialsProvider struct{}

// GetToken implements CredentialsProvider.
func (EmptyCredentialsProvider) GetToken(context.Context, bool) (*Token, error) { return nil, nil }

// SetUserChangeListener implements CredentialsProvider.
func (EmptyCredentialsProvider) SetUserChangeListener(f func(User)) {
	if f != nil {
		f(Unauthenticated)
	}
}

// StaticCredentialsProvider hands out a fixed token. ChangeUser switches the
// user and notifies the listener.
type StaticCredentialsProvider struct {
	mu       sync.Mutex
	token    Token
	listener func(User)
	// Refreshes counts GetToken calls with forceRefresh set.
	Refreshes int
}

// NewStaticCredentialsProvider returns a provider for user that always
// returns value as the token.
func NewStaticCredentialsProvider(user User, value string) *StaticCredentialsProvider {
	return &StaticCredentialsProvider{token: Token{Value: value, User: user}}
}

// GetToken implements CredentialsProvider.
func (p *StaticCredentialsProvider) GetToken(_ context.Context, forceRefresh bool) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if forceRefresh {
		p.Refreshes++
	}
	t := p.token
	return &t, nil
}

// SetUserChangeListener implements CredentialsProvider.
func (p *StaticCredentialsProvider) SetUserChangeListener(f func(User)) {
	p.mu.Lock()
	p.listener = f
	user := p.token.User
	p.mu.Unlock()
	if f != nil {
		f(user)
	}
}

// ChangeUser switches to user with a new token value and notifies the listener.
func (p *StaticCredentialsProvider) ChangeUser(user User, value string) {
	p.mu.Lock()
	p.token = Token{Value: value, User: user}
	f := p.listener
	p.mu.Unlock()
	if f != nil {
		f(user)
	}
}
