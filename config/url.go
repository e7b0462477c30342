// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is used for hosts in a connection descriptor that do not
// specify a port.
const DefaultPort = 8086

// AuthMode identifies how credentials embedded in the connection descriptor
// are presented to the server.
type AuthMode string

const (
	// AuthParams passes credentials as the u and p query parameters.
	AuthParams AuthMode = ""

	// AuthBasic passes credentials in an HTTP Basic Authorization header.
	AuthBasic AuthMode = "basic"
)

// HostPort identifies one server of the cluster.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// Endpoint is the parsed form of a connection descriptor:
//
//	scheme://[user:pass@]host1:port1[,host2:port2,...]/database[?auth=basic]
type Endpoint struct {
	Scheme   string
	Username string
	Password string
	Hosts    []HostPort
	Database string
	Auth     AuthMode

	// Options holds query options other than auth, e.g. rp.  They are
	// added to every write and query request.
	Options url.Values
}

// HasCredentials indicates that the descriptor provided a user name.
func (ep *Endpoint) HasCredentials() bool {
	return ep.Username != ""
}

// BaseURL returns the scheme and authority for the identified host.
func (ep *Endpoint) BaseURL(hp HostPort) string {
	return ep.Scheme + "://" + hp.String()
}

// ParseURL decodes a connection descriptor.  net/url cannot be used directly
// because the authority may list several hosts.
func ParseURL(s string) (*Endpoint, error) {
	si := strings.Index(s, "://")
	if si <= 0 {
		return nil, fmt.Errorf("%w: %q lacks scheme", ErrURL, s)
	}
	ep := &Endpoint{
		Scheme: strings.ToLower(s[:si]),
	}
	if ep.Scheme != "http" && ep.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %s must be http or https", ErrURL, ep.Scheme)
	}
	rest := s[si+3:]

	var rawQuery string
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		rawQuery = rest[qi+1:]
		rest = rest[:qi]
	}
	authority := rest
	var path string
	if pi := strings.IndexByte(rest, '/'); pi >= 0 {
		authority = rest[:pi]
		path = rest[pi+1:]
	}

	if ai := strings.LastIndexByte(authority, '@'); ai >= 0 {
		userinfo := authority[:ai]
		authority = authority[ai+1:]
		user, pass, _ := strings.Cut(userinfo, ":")
		var err error
		if ep.Username, err = url.PathUnescape(user); err != nil {
			return nil, fmt.Errorf("%w: user: %s", ErrURL, err.Error())
		}
		if ep.Password, err = url.PathUnescape(pass); err != nil {
			return nil, fmt.Errorf("%w: password: %s", ErrURL, err.Error())
		}
	}

	for _, h := range strings.Split(authority, ",") {
		hp, err := parseHostPort(h)
		if err != nil {
			return nil, err
		}
		ep.Hosts = append(ep.Hosts, hp)
	}

	db, err := url.PathUnescape(strings.TrimSuffix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: database: %s", ErrURL, err.Error())
	}
	if db == "" {
		return nil, fmt.Errorf("%w: no database", ErrURL)
	}
	ep.Database = db

	opts, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: options: %s", ErrURL, err.Error())
	}
	switch mode := AuthMode(strings.ToLower(opts.Get("auth"))); mode {
	case AuthParams, AuthBasic:
		ep.Auth = mode
	default:
		return nil, fmt.Errorf("%w: auth %s not supported", ErrURL, mode)
	}
	opts.Del("auth")
	ep.Options = opts
	return ep, nil
}

func parseHostPort(s string) (hp HostPort, err error) {
	if s == "" {
		return hp, fmt.Errorf("%w: empty host", ErrURL)
	}
	host, port, serr := net.SplitHostPort(s)
	if serr != nil {
		// No port; accept a bare name or bracketed IPv6 address.
		hp.Host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		hp.Port = DefaultPort
		return hp, nil
	}
	if host == "" {
		return hp, fmt.Errorf("%w: empty host in %s", ErrURL, s)
	}
	hp.Host = host
	if hp.Port, err = strconv.Atoi(port); err != nil || hp.Port <= 0 || hp.Port > 65535 {
		return hp, fmt.Errorf("%w: port %s", ErrURL, port)
	}
	return hp, nil
}
