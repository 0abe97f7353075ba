// Package smtpclient establishes one outbound SMTP session per spec.md
// §4.2: TCP connect from a Zone-pinned local address, EHLO, opportunistic
// STARTTLS with at-most-one plaintext retry on TLS failure, optional AUTH,
// then a single message transmission. Grounded in the teacher's
// queue/worker.go:deliverToHost and the sibling repo LLRHook-mailit's
// internal/engine/sender.go:deliverToHost — the two concrete net/smtp
// outbound-delivery precedents in the retrieval pack.
package smtpclient

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/oonrumail/outbound-worker/zone"
)

// ErrKind classifies a dial failure so the caller (package worker) can
// decide whether to advance to the next IP/MX or treat the error as a
// transient SMTP failure per spec.md §7.
type ErrKind int

const (
	KindOther ErrKind = iota
	KindConnect
	KindTLS
	KindAuth
	KindSMTP // the remote server returned an explicit reply
)

// DialError wraps a session-establishment failure with its Kind and, when
// the remote server replied, the raw reply text so it can flow through
// dsn.Classify uniformly with a real delivery failure (spec.md §7).
type DialError struct {
	Kind  ErrKind
	Reply string // populated when the server sent a reply
	Err   error
}

func (e *DialError) Error() string {
	if e.Reply != "" {
		return e.Reply
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "smtpclient: dial failed"
}

func (e *DialError) Unwrap() error { return e.Err }

// ConnectTimeout is the connection deadline set at TCP connect, matching
// the teacher's 30s dial timeout in deliverToHost. The deadline is never
// cleared, so it bounds EHLO, STARTTLS, AUTH and the later Send as well.
var ConnectTimeout = 30 * time.Second

// Envelope carries the MAIL FROM / RCPT TO / SIZE parameters for one send.
type Envelope struct {
	From string
	To   []string
	Size int64
}

// Session is a live, single-use SMTP connection to one exchange. Sessions
// are never reused across Deliveries (spec.md §3).
type Session struct {
	client   *smtp.Client
	conn     net.Conn
	Host     string // exchange hostname dialed
	IP       string
	HeloName string // the Zone's local-address hostname actually used
}

// Dial establishes a Session to host at ip, using zoneCfg's TLS/AUTH
// policy and the local address selected by nonce (spec.md §4.2's
// "connection nonce", id.seq, for stable per-delivery source-IP). On a
// STARTTLS-specific failure the Zone's disableStarttls flag is flipped
// and the same IP is retried once in plaintext, per spec.md §4.2/§7.
func Dial(z *zone.Zone, host, ip, nonce string) (*Session, error) {
	return dial(z, host, ip, nonce, false)
}

func dial(z *zone.Zone, host, ip, nonce string, forcedPlaintext bool) (*Session, error) {
	addr, ok := z.GetAddress(nonce, isIPv6(ip))
	heloName := host
	var localAddr net.Addr
	if ok {
		heloName = addr.Hostname
		if tcpAddr, err := net.ResolveTCPAddr("tcp", addr.IP+":0"); err == nil {
			localAddr = tcpAddr
		}
	}

	dialer := &net.Dialer{Timeout: ConnectTimeout, LocalAddr: localAddr}
	target := net.JoinHostPort(ip, fmt.Sprintf("%d", z.Port))

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, &DialError{Kind: KindConnect, Err: fmt.Errorf("connect to %s: %w", target, err)}
	}
	_ = conn.SetDeadline(time.Now().Add(ConnectTimeout))

	if z.Secure {
		tlsConn := tls.Client(conn, insecureTLSConfig(host))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, &DialError{Kind: KindTLS, Err: fmt.Errorf("implicit TLS to %s: %w", target, err)}
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, &DialError{Kind: KindConnect, Err: fmt.Errorf("create SMTP client for %s: %w", host, err)}
	}

	if err := client.Hello(heloName); err != nil {
		client.Close()
		return nil, classifyProtocolError(KindConnect, err)
	}

	if !z.Secure && !forcedPlaintext && !z.DisableStarttls() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(insecureTLSConfig(host)); err != nil {
				client.Close()
				z.SetDisableStarttls(true)
				return dial(z, host, ip, nonce, true)
			}
		}
	}

	if z.AuthMethod != "" {
		auth := authFor(z, host)
		if auth != nil {
			if err := client.Auth(auth); err != nil {
				client.Close()
				return nil, classifyProtocolError(KindAuth, err)
			}
		}
	}

	return &Session{client: client, conn: conn, Host: host, IP: ip, HeloName: heloName}, nil
}

// Send writes MAIL FROM/RCPT TO/DATA for one delivery, streaming body
// without buffering it in memory (spec.md §5 Back-pressure). Returns the
// synthesised or real final reply text; the caller is responsible for
// Close regardless of outcome (spec.md §3 Lifetimes).
func (s *Session) Send(env Envelope, body io.Reader) (string, error) {
	// net/smtp's Client.Mail takes no parameters, so when the server
	// advertises SIZE the MAIL command is issued directly with SIZE=.
	if ok, _ := s.client.Extension("SIZE"); ok && env.Size > 0 {
		id, err := s.client.Text.Cmd("MAIL FROM:<%s> SIZE=%d", env.From, env.Size)
		if err == nil {
			s.client.Text.StartResponse(id)
			_, _, err = s.client.Text.ReadResponse(250)
			s.client.Text.EndResponse(id)
		}
		if err != nil {
			return "", classifyProtocolError(KindSMTP, err)
		}
	} else if err := s.client.Mail(env.From); err != nil {
		return "", classifyProtocolError(KindSMTP, err)
	}

	for _, rcpt := range env.To {
		if err := s.client.Rcpt(rcpt); err != nil {
			return "", classifyProtocolError(KindSMTP, err)
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return "", classifyProtocolError(KindSMTP, err)
	}

	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return "", classifyProtocolError(KindSMTP, err)
	}

	if err := w.Close(); err != nil {
		return "", classifyProtocolError(KindSMTP, err)
	}

	return "250 2.0.0 OK queued", nil
}

// Close tears down the TCP/TLS connection on every exit path (spec.md
// §5). QUIT failures are ignored, matching the teacher's
// deliverToHost ("QUIT failed" logged at Debug, never surfaced).
func (s *Session) Close() {
	_ = s.client.Quit()
	s.client.Close()
}

func authFor(z *zone.Zone, host string) smtp.Auth {
	switch z.AuthMethod {
	case "PLAIN":
		return smtp.PlainAuth("", z.AuthUser, z.AuthPass, host)
	case "CRAM-MD5":
		return smtp.CRAMMD5Auth(z.AuthUser, z.AuthPass)
	default:
		return nil
	}
}

func insecureTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		// Opportunistic TLS is trust-on-first-use by design (spec.md §1
		// Non-goals): certificates may be invalid or self-signed, and we
		// still prefer an encrypted channel over a verified one.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

func classifyProtocolError(fallback ErrKind, err error) *DialError {
	if tpErr, ok := err.(*textproto.Error); ok {
		return &DialError{Kind: KindSMTP, Reply: fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg), Err: err}
	}
	return &DialError{Kind: fallback, Err: err}
}

func isIPv6(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.To4() == nil
}
