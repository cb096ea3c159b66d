// Package storetest runs an in-process RESP server that understands the
// subset of commands rcopy issues. It keeps real semantics where they
// matter to a migration: SCAN cursors, PTTL sentinels, DUMP payload
// validation and RESTORE answering BUSYKEY on existing keys.
package storetest

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"
)

const payloadVersion = 0x00

type entry struct {
	value    []byte
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

type Server struct {
	srv  *redcon.Server
	addr *net.TCPAddr

	mu           sync.Mutex
	dbs          map[int]map[string]entry
	clusterNodes string
	failures     map[string]string
	calls        map[string]int
	onCommand    func(cmd string, args [][]byte)
}

// NewServer starts a server on a random loopback port and returns once it
// accepts connections.
func NewServer() (*Server, error) {
	s := &Server{
		dbs:      make(map[int]map[string]entry),
		failures: make(map[string]string),
		calls:    make(map[string]int),
	}
	s.srv = redcon.NewServer("127.0.0.1:0", s.handle, s.accept, func(redcon.Conn, error) {})

	signal := make(chan error, 1)
	go func() {
		_ = s.srv.ListenServeAndSignal(signal)
	}()
	if err := <-signal; err != nil {
		return nil, err
	}
	s.addr = s.srv.Addr().(*net.TCPAddr)
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr.String()
}

func (s *Server) Port() int {
	return s.addr.Port
}

// Close stops accepting connections. Later dials to Addr are refused.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Set stores a plain value the way DUMP would later serialize it.
func (s *Server) Set(db int, key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: []byte(value)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.db(db)[key] = e
}

// Get returns the value and remaining ttl of key. A zero ttl means the key
// does not expire.
func (s *Server) Get(db int, key string) (string, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(db, key)
	if !ok {
		return "", 0, false
	}
	var ttl time.Duration
	if !e.expireAt.IsZero() {
		ttl = time.Until(e.expireAt)
	}
	return string(e.value), ttl, true
}

// Len returns the number of live keys in db.
func (s *Server) Len(db int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveKeys(db))
}

// SetClusterNodes makes CLUSTER NODES answer with the given description.
// An empty description answers like a node with cluster support disabled.
func (s *Server) SetClusterNodes(nodes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterNodes = nodes
}

// Fail makes every subsequent call of cmd answer with the error reply msg.
func (s *Server) Fail(cmd, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.ToUpper(cmd)] = msg
}

// Calls returns how many times cmd has been received.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(cmd)]
}

// OnCommand registers a hook invoked before every command is executed.
func (s *Server) OnCommand(f func(cmd string, args [][]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommand = f
}

// ClusterNodeLine renders one CLUSTER NODES line for a node listening on
// addr.
func ClusterNodeLine(id, addr string, primary bool, slots string) string {
	flags := "master"
	master := "-"
	if !primary {
		flags = "slave"
		master = "0000000000000000000000000000000000000000"
	}
	_, port, _ := net.SplitHostPort(addr)
	cport, _ := strconv.Atoi(port)
	return fmt.Sprintf("%s %s@%d %s %s 0 1700000000000 1 connected %s", id, addr, cport+10000, flags, master, slots)
}

func (s *Server) db(n int) map[string]entry {
	m, ok := s.dbs[n]
	if !ok {
		m = make(map[string]entry)
		s.dbs[n] = m
	}
	return m
}

func (s *Server) lookup(db int, key string) (entry, bool) {
	e, ok := s.db(db)[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(time.Now()) {
		delete(s.db(db), key)
		return entry{}, false
	}
	return e, true
}

func (s *Server) liveKeys(db int) []string {
	now := time.Now()
	keys := make([]string, 0, len(s.db(db)))
	for k, e := range s.db(db) {
		if e.expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) accept(conn redcon.Conn) bool {
	conn.SetContext(0)
	return true
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToUpper(string(cmd.Args[0]))
	args := cmd.Args[1:]

	s.mu.Lock()
	hook := s.onCommand
	s.mu.Unlock()
	if hook != nil {
		hook(name, args)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[name]++
	if msg, ok := s.failures[name]; ok {
		conn.WriteError(msg)
		return
	}

	db, _ := conn.Context().(int)

	switch name {
	case "PING":
		conn.WriteString("PONG")
	case "HELLO":
		conn.WriteError("ERR unknown command 'HELLO'")
	case "AUTH", "CLIENT", "READONLY":
		conn.WriteString("OK")
	case "SELECT":
		n, err := strconv.Atoi(string(args[0]))
		if err != nil {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		conn.SetContext(n)
		conn.WriteString("OK")
	case "SCAN":
		s.scan(conn, db, args)
	case "PTTL":
		e, ok := s.lookup(db, string(args[0]))
		switch {
		case !ok:
			conn.WriteInt64(-2)
		case e.expireAt.IsZero():
			conn.WriteInt64(-1)
		default:
			conn.WriteInt64(time.Until(e.expireAt).Milliseconds())
		}
	case "DUMP":
		e, ok := s.lookup(db, string(args[0]))
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(append([]byte{payloadVersion}, e.value...))
	case "RESTORE":
		s.restore(conn, db, args)
	case "INFO":
		conn.WriteBulkString(s.keyspaceInfo())
	case "DBSIZE":
		conn.WriteInt(len(s.liveKeys(db)))
	case "FLUSHDB":
		s.dbs[db] = make(map[string]entry)
		conn.WriteString("OK")
	case "CLUSTER":
		s.cluster(conn, args)
	default:
		conn.WriteError("ERR unknown command '" + name + "'")
	}
}

func (s *Server) keyspaceInfo() string {
	ids := make([]int, 0, len(s.dbs))
	for id := range s.dbs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var sb strings.Builder
	sb.WriteString("# Keyspace\r\n")
	for _, id := range ids {
		if n := len(s.liveKeys(id)); n > 0 {
			sb.WriteString(fmt.Sprintf("db%d:keys=%d,expires=0,avg_ttl=0\r\n", id, n))
		}
	}
	return sb.String()
}

func (s *Server) scan(conn redcon.Conn, db int, args [][]byte) {
	cursor, err := strconv.Atoi(string(args[0]))
	if err != nil {
		conn.WriteError("ERR invalid cursor")
		return
	}
	count := 10
	for i := 1; i+1 < len(args); i += 2 {
		if strings.ToUpper(string(args[i])) == "COUNT" {
			count, _ = strconv.Atoi(string(args[i+1]))
		}
	}

	keys := s.liveKeys(db)
	if cursor > len(keys) {
		cursor = len(keys)
	}
	end := cursor + count
	next := end
	if end >= len(keys) {
		end = len(keys)
		next = 0
	}

	conn.WriteArray(2)
	conn.WriteBulkString(strconv.Itoa(next))
	conn.WriteArray(end - cursor)
	for _, k := range keys[cursor:end] {
		conn.WriteBulkString(k)
	}
}

func (s *Server) restore(conn redcon.Conn, db int, args [][]byte) {
	if len(args) < 3 {
		conn.WriteError("ERR wrong number of arguments for 'restore' command")
		return
	}
	key := string(args[0])
	ttlMs, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || ttlMs < 0 {
		conn.WriteError("ERR Invalid TTL value, must be >= 0")
		return
	}
	payload := args[2]
	replace := false
	for _, opt := range args[3:] {
		if strings.ToUpper(string(opt)) == "REPLACE" {
			replace = true
		}
	}

	if _, exists := s.lookup(db, key); exists && !replace {
		conn.WriteError("BUSYKEY Target key name already exists.")
		return
	}
	if len(payload) < 1 || payload[0] != payloadVersion {
		conn.WriteError("ERR DUMP payload version or checksum are wrong")
		return
	}

	e := entry{value: append([]byte(nil), payload[1:]...)}
	if ttlMs > 0 {
		e.expireAt = time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	}
	s.db(db)[key] = e
	conn.WriteString("OK")
}

func (s *Server) cluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	if s.clusterNodes == "" {
		conn.WriteError("ERR This instance has cluster support disabled")
		return
	}
	switch strings.ToUpper(string(args[0])) {
	case "NODES":
		conn.WriteBulkString(s.clusterNodes)
	case "SLOTS":
		s.clusterSlots(conn)
	default:
		conn.WriteError("ERR unknown subcommand")
	}
}

// clusterSlots describes every primary found in the CLUSTER NODES text as
// owning the slot ranges listed on its line.
func (s *Server) clusterSlots(conn redcon.Conn) {
	type slotRange struct {
		start, end int
		host       string
		port       int
		id         string
	}
	var ranges []slotRange
	for _, line := range strings.Split(strings.TrimSpace(s.clusterNodes), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.Contains(fields[2], "master") {
			continue
		}
		addr := strings.SplitN(fields[1], "@", 2)[0]
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		for _, sl := range fields[8:] {
			lo, hi, found := strings.Cut(sl, "-")
			start, _ := strconv.Atoi(lo)
			end := start
			if found {
				end, _ = strconv.Atoi(hi)
			}
			ranges = append(ranges, slotRange{start: start, end: end, host: host, port: port, id: fields[0]})
		}
	}

	conn.WriteArray(len(ranges))
	for _, r := range ranges {
		conn.WriteArray(3)
		conn.WriteInt(r.start)
		conn.WriteInt(r.end)
		conn.WriteArray(3)
		conn.WriteBulkString(r.host)
		conn.WriteInt(r.port)
		conn.WriteBulkString(r.id)
	}
}
