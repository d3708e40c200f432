package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/spirit-labs/chanrpc/bus"
	"github.com/spirit-labs/chanrpc/conf"
	"github.com/spirit-labs/chanrpc/connmgr"
	"github.com/spirit-labs/chanrpc/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"github.com/spirit-labs/chanrpc/rpc"
	"github.com/spirit-labs/chanrpc/sockbus"
	"github.com/tidwall/gjson"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

const (
	maxBufferedLines = 1000
	defaultTimeout   = 30 * time.Second
	servicesMethod   = "/chanrpc.Admin/Services"
	statsMethod      = "/chanrpc.Admin/Stats"
)

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle = lipgloss.NewStyle().Faint(true)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

type Cli struct {
	lock        sync.Mutex
	started     bool
	address     string
	prefix      string
	tlsConfig   conf.ClientTLSConfig
	endpoint    *sockbus.Endpoint
	client      *connmgr.Client
	timeout     time.Duration
	header      metadata.MD
	kinds       map[string]rpc.Kind
	exitOnError bool
}

func NewCli(address string, prefix string, tlsConfig conf.ClientTLSConfig) *Cli {
	return &Cli{
		address:   address,
		prefix:    prefix,
		tlsConfig: tlsConfig,
		timeout:   defaultTimeout,
		header:    metadata.MD{},
	}
}

func (c *Cli) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	tlsConf, err := c.tlsConfig.ToGoTLSConfig()
	if err != nil {
		return err
	}
	ep, err := sockbus.Dial(context.Background(), c.address, tlsConf, sockbus.Options{})
	if err != nil {
		return err
	}
	if err := c.connect(ep); err != nil {
		_ = ep.Close()
		return err
	}
	c.endpoint = ep
	c.started = true
	return nil
}

// StartOn uses b instead of dialling the address.
func (c *Cli) StartOn(b bus.Bus) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	if err := c.connect(b); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Cli) connect(b bus.Bus) error {
	client, err := connmgr.NewClient(b, c.prefix, connmgr.NewConf())
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *Cli) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil
	}
	c.client.Close()
	var err error
	if c.endpoint != nil {
		err = c.endpoint.Close()
		c.endpoint = nil
	}
	c.started = false
	c.kinds = nil
	return err
}

func (c *Cli) SetExitOnError(exitOnError bool) {
	c.exitOnError = exitOnError
}

func (c *Cli) SetTimeout(timeout time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.timeout = timeout
}

// AddHeader adds a header to every call made from now on.
func (c *Cli) AddHeader(key string, value string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.header.Append(key, value)
}

// ExecuteStatement runs one statement and returns the lines it prints. The channel is closed when the statement is done.
func (c *Cli) ExecuteStatement(statement string) (chan string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil, errors.New("not started")
	}
	statement = strings.TrimSpace(statement)
	statement = strings.TrimSpace(strings.TrimSuffix(statement, ";"))
	ch := make(chan string, maxBufferedLines)
	go c.doExecuteStatement(statement, ch)
	return ch, nil
}

func (c *Cli) doExecuteStatement(statement string, ch chan string) {
	if err := c.doExecuteStatementWithError(statement, ch); err != nil {
		ch <- errorStyle.Render(c.checkErrorAndMaybeExit(err).Error())
	}
	close(ch)
}

func (c *Cli) checkErrorAndMaybeExit(err error) error {
	cerr := errors.From(err)
	if c.exitOnError {
		log.Errorf("%s: %s", errors.CodeName(cerr.Code), cerr.Msg)
		os.Exit(1)
	}
	return errors.Errorf("error: %s: %s", errors.CodeName(cerr.Code), cerr.Msg)
}

func (c *Cli) doExecuteStatementWithError(statement string, out chan string) error {
	if statement == "" {
		return nil
	}
	command, rest := statement, ""
	if i := strings.IndexFunc(statement, unicode.IsSpace); i >= 0 {
		command, rest = statement[:i], strings.TrimSpace(statement[i:])
	}
	switch strings.ToLower(command) {
	case "set":
		return c.handleSetCommand(rest, out)
	case "services":
		return c.listServices(out)
	case "stats":
		return c.unary(statsMethod, json.RawMessage(`{}`), out)
	}
	method := command
	if !strings.HasPrefix(method, "/") {
		method = "/" + method
	}
	if _, _, ok := rpc.SplitFullMethod(method); !ok {
		return errors.Errorf("unknown command %q, expected set, services, stats or <service>/<method> [payload]",
			command)
	}
	payload, err := ParsePayload(rest)
	if err != nil {
		return err
	}
	kind, err := c.kindOf(method)
	if err != nil {
		return err
	}
	if kind == rpc.Unary {
		return c.unary(method, payload, out)
	}
	return c.stream(method, kind, payload, out)
}

func (c *Cli) handleSetCommand(args string, out chan string) error {
	parts := strings.Fields(args)
	switch {
	case len(parts) == 2 && parts[0] == "timeout":
		d, err := time.ParseDuration(parts[1])
		if err != nil || d <= 0 {
			return errors.Errorf("invalid timeout %q", parts[1])
		}
		c.SetTimeout(d)
	case len(parts) == 3 && parts[0] == "header":
		c.AddHeader(parts[1], parts[2])
	default:
		return errors.New("invalid set command. Should be set timeout <duration> or set header <key> <value>")
	}
	out <- statusStyle.Render("OK")
	return nil
}

// ParsePayload reads a request written as JSON5 and returns it as JSON. An empty payload is an empty object.
func ParsePayload(payload string) (json.RawMessage, error) {
	if strings.TrimSpace(payload) == "" {
		return json.RawMessage(`{}`), nil
	}
	var v interface{}
	if err := json5.Unmarshal([]byte(payload), &v); err != nil {
		return nil, errors.Errorf("invalid payload: %v", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

func (c *Cli) callContext() (context.Context, context.CancelFunc) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	if c.header.Len() > 0 {
		ctx = metadata.NewOutgoingContext(ctx, c.header.Copy())
	}
	return ctx, cancel
}

func (c *Cli) unary(method string, payload json.RawMessage, out chan string) error {
	ctx, cancel := c.callContext()
	defer cancel()
	resp, err := c.client.Invoke(ctx, method, payload)
	if err != nil {
		return err
	}
	out <- string(resp)
	return nil
}

// stream runs a streaming call. When the method streams requests, the payload must be an array and each element is
// sent as one request.
func (c *Cli) stream(method string, kind rpc.Kind, payload json.RawMessage, out chan string) error {
	requests := []json.RawMessage{payload}
	if kind.ClientStreams() {
		parsed := gjson.ParseBytes(payload)
		if !parsed.IsArray() {
			return errors.Errorf("%s streams requests, the payload must be an array of requests", method)
		}
		requests = requests[:0]
		parsed.ForEach(func(_, value gjson.Result) bool {
			requests = append(requests, json.RawMessage(value.Raw))
			return true
		})
	}
	ctx, cancel := c.callContext()
	defer cancel()
	stream, err := c.client.NewStream(ctx, method, kind)
	if err != nil {
		return err
	}
	defer func() {
		_ = stream.Close()
	}()
	var g errgroup.Group
	g.Go(func() error {
		for _, req := range requests {
			if err := stream.Send(req); err != nil {
				_ = stream.Close()
				return err
			}
		}
		return stream.CloseSend()
	})
	g.Go(func() error {
		n := 0
		for {
			v, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- statusStyle.Render(responseCount(n))
				return nil
			}
			if err != nil {
				return err
			}
			n++
			out <- string(v)
		}
	})
	return g.Wait()
}

func responseCount(n int) string {
	if n == 1 {
		return "1 response"
	}
	return fmt.Sprintf("%d responses", n)
}

type methodInfo struct {
	Name string   `json:"name"`
	Kind rpc.Kind `json:"kind"`
}

type serviceInfo struct {
	Name    string       `json:"name"`
	Methods []methodInfo `json:"methods"`
}

func (c *Cli) fetchServices() ([]serviceInfo, error) {
	ctx, cancel := c.callContext()
	defer cancel()
	resp, err := c.client.Invoke(ctx, servicesMethod, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	var services []serviceInfo
	if err := json.Unmarshal(resp, &services); err != nil {
		return nil, errors.WithStack(err)
	}
	kinds := map[string]rpc.Kind{}
	for _, s := range services {
		for _, m := range s.Methods {
			kinds[rpc.FullMethod(s.Name, m.Name)] = m.Kind
		}
	}
	c.lock.Lock()
	c.kinds = kinds
	c.lock.Unlock()
	return services, nil
}

// kindOf looks the method up in the host's service listing. Methods the host does not list are called as unary.
func (c *Cli) kindOf(method string) (rpc.Kind, error) {
	c.lock.Lock()
	kinds := c.kinds
	c.lock.Unlock()
	if kinds == nil {
		if _, err := c.fetchServices(); err != nil {
			if errors.CodeOf(err) != codes.Unimplemented {
				return 0, err
			}
			log.Debugf("host has no service listing, calling %s as unary", method)
			return rpc.Unary, nil
		}
		c.lock.Lock()
		kinds = c.kinds
		c.lock.Unlock()
	}
	if kind, ok := kinds[method]; ok {
		return kind, nil
	}
	return rpc.Unary, nil
}

func (c *Cli) listServices(out chan string) error {
	services, err := c.fetchServices()
	if err != nil {
		return err
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	for _, s := range services {
		out <- titleStyle.Render(s.Name)
		for _, m := range s.Methods {
			out <- fmt.Sprintf("  %s (%s)", m.Name, m.Kind)
		}
	}
	return nil
}
