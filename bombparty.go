// Bomb Party
//
// One phone is passed around the table while a hidden countdown ticks.
// Whoever is holding it when the bomb goes off loses the round.
//
// Features:
// - Sessions per ID: /bombparty/:id and /bombparty/:id/ws
// - The browser only renders state and plays cues; rounds, timers and
//   scores live in the session's bombparty.Machine
// - All events for a session are applied by one goroutine, including
//   timer fires, so transitions never interleave
// - Settings are saved per browser (cookie) in the local sqlite store
// - Word list language follows ?lang= or Accept-Language
// - Closing the last tab tears the session down and cancels its timers
// - Idle sessions are reaped after --session-timeout
// - QR code of the session URL via go-qrcode

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/baer/games/bombparty"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string   `json:"type"`                // see handleEvent
	Name     string   `json:"name,omitempty"`      // add_player
	PlayerID string   `json:"player_id,omitempty"` // remove_player / confirm_loser
	Category string   `json:"category,omitempty"`  // select_category, "" for all
	Value    int      `json:"value,omitempty"`     // set_round_length / set_rounds
	Volume   *float64 `json:"volume,omitempty"`    // set_volume
	Muted    *bool    `json:"muted,omitempty"`     // set_muted
	Haptics  bool     `json:"haptics,omitempty"`   // hello
}

// StateMessage is the full snapshot the client renders from.
type StateMessage struct {
	Type              string                `json:"type"` // "state"
	Step              bombparty.Step        `json:"step"`
	Players           []bombparty.Player    `json:"players"`
	Categories        []string              `json:"categories"`
	ActiveCategory    string                `json:"active_category"`
	CurrentWord       string                `json:"current_word,omitempty"`
	Round             int                   `json:"round"` // 1-based
	Scores            map[string]int        `json:"scores"`
	Standings         []bombparty.Standing  `json:"standings,omitempty"`
	Settings          bombparty.Settings    `json:"settings"`
	SettingsOpen      bool                  `json:"settings_open"`
	ExitPending       bool                  `json:"exit_pending"`
	CanConfirmPlayers bool                  `json:"can_confirm_players"`
	RemainingMs       int64                 `json:"remaining_ms,omitempty"`
	Language          string                `json:"language"`
	Limits            map[string][2]float64 `json:"limits"`
}

// AudioMessage asks the client to play or stop a sound.
type AudioMessage struct {
	Type   string  `json:"type"` // "audio"
	Sound  string  `json:"sound"`
	Loop   bool    `json:"loop,omitempty"`
	Stop   bool    `json:"stop,omitempty"`
	Volume float64 `json:"volume"`
}

// HapticMessage asks the client to vibrate, pattern in milliseconds.
type HapticMessage struct {
	Type    string  `json:"type"` // "haptic"
	Pattern []int64 `json:"pattern"`
}

// SimpleMessage is for generic notifications ("error", "exit").
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var limits = map[string][2]float64{
	"players":  {bombparty.MinPlayers, bombparty.MaxPlayers},
	"roundLen": {bombparty.MinRoundLength, bombparty.MaxRoundLength},
	"rounds":   {bombparty.MinRounds, bombparty.MaxRounds},
	"volume":   {0, 1},
}

var errSlowClient = errors.New("client send buffer full")

type Client struct {
	conn      *websocket.Conn
	send      chan any
	browserID string
	langPrefs []string
	haptics   bool
}

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

// Session is one Bomb Party table. Only run touches clients and machine.
type Session struct {
	id      string
	manager *SessionManager
	clients map[*Client]bool
	machine *bombparty.Machine
	lang    string

	register chan *Client
	unreg    chan *Client
	events   chan clientEvent
	fires    chan bombparty.Fire
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	createdAt  time.Time
	lastActive time.Time
}

func newSession(id string, gm *SessionManager) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		manager:    gm,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		events:     make(chan clientEvent),
		fires:      make(chan bombparty.Fire, 1),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// join hands c to the session. It fails if the session already ended.
func (s *Session) join(c *Client) bool {
	select {
	case s.register <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) leave(c *Client) {
	select {
	case s.unreg <- c:
	case <-s.done:
	}
}

func (s *Session) post(ev clientEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) deliver(f bombparty.Fire) {
	select {
	case s.fires <- f:
	case <-s.done:
	}
}

// mount creates the machine for the first client: its browser owns the
// saved settings and its language picks the word list.
func (s *Session) mount(cfg *Config, c *Client) {
	pool := s.manager.pools.Match(c.langPrefs...)
	s.lang = pool.Lang.String()

	s.machine = bombparty.New(bombparty.Options{
		Pool:     pool,
		Store:    bombparty.NewKVSettingsStore(s.manager.kv, c.browserID, debugLogger(cfg)),
		Feedback: &cueFeedback{session: s},
		Clock:    s.manager.clock,
		Deliver:  s.deliver,
		Log:      debugLogger(cfg).With().Str("session", s.id).Logger(),
	})

	logf(cfg, "GAMES: Mounted bomb party %s (%s)", s.id, s.lang)
}

func (s *Session) run(cfg *Config) {
	defer s.teardown(cfg)

	for {
		select {
		case c := <-s.register:
			s.touch()
			if s.machine == nil {
				s.mount(cfg, c)
			}
			s.clients[c] = true
			s.sendTo(c, s.snapshot())

		case c := <-s.unreg:
			s.touch()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			if len(s.clients) == 0 {
				logf(cfg, "GAMES: Last client left bomb party %s", s.id)
				return
			}

		case ev := <-s.events:
			s.touch()
			if s.handleEvent(cfg, ev) {
				return
			}

		case f := <-s.fires:
			s.machine.HandleFire(f)
			s.broadcast(s.snapshot())

		case <-s.done:
			return
		}
	}
}

// teardown discards the session. The machine is closed first so neither
// deadline can fire after the clients are gone.
func (s *Session) teardown(cfg *Config) {
	if s.machine != nil {
		s.machine.Close()
	}
	s.stop()
	s.manager.remove(s.id, s)

	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}

	logf(cfg, "GAMES: Ended bomb party %s after %s", s.id, time.Since(s.createdAt).Round(time.Second))
}

// handleEvent applies one UI event. It reports whether the session ended.
func (s *Session) handleEvent(cfg *Config, ev clientEvent) bool {
	m := s.machine
	msg := ev.msg

	var err error
	switch msg.Type {
	case "hello":
		ev.client.haptics = msg.Haptics
	case "add_player":
		var p bombparty.Player
		p, err = m.AddPlayer(msg.Name)
		if err == nil {
			logf(cfg, "GAMES: Player %q joined bomb party %s", p.Name, s.id)
		}
	case "remove_player":
		err = m.RemovePlayer(msg.PlayerID)
	case "confirm_players":
		err = m.ConfirmPlayers()
	case "select_category":
		err = m.SelectCategory(msg.Category)
	case "start_round":
		err = m.StartRound()
	case "confirm_loser":
		err = m.ConfirmLoser(msg.PlayerID)
	case "play_again":
		err = m.PlayAgain()
	case "request_exit":
		err = m.RequestExit()
	case "cancel_exit":
		err = m.CancelExit()
	case "confirm_exit":
		if err = m.ConfirmExit(); err == nil {
			s.broadcast(SimpleMessage{Type: "exit", Message: cfg.prefix + "/"})
			return true
		}
	case "toggle_settings":
		err = m.ToggleSettings()
	case "set_round_length":
		err = m.SetRoundLength(msg.Value)
	case "set_rounds":
		err = m.SetRounds(msg.Value)
	case "set_volume":
		if msg.Volume != nil {
			err = m.SetVolume(*msg.Volume)
		}
	case "set_muted":
		if msg.Muted != nil {
			err = m.SetMuted(*msg.Muted)
		}
	default:
		// ignore unknown types
		return false
	}

	if err != nil {
		logf(cfg, "GAMES: Rejected %s in bomb party %s: %v", msg.Type, s.id, err)
		s.sendTo(ev.client, SimpleMessage{Type: "error", Message: err.Error()})
	}

	s.broadcast(s.snapshot())

	return false
}

func (s *Session) snapshot() StateMessage {
	state := s.machine.State()
	settings := s.machine.Settings()

	msg := StateMessage{
		Type:              "state",
		Step:              state.Step,
		Players:           state.Players,
		Categories:        s.machine.Categories(),
		ActiveCategory:    state.ActiveCategory,
		CurrentWord:       state.CurrentWord,
		Round:             state.RoundIndex + 1,
		Scores:            state.Scores,
		Settings:          settings,
		SettingsOpen:      state.SettingsOpen,
		ExitPending:       state.ExitPending,
		CanConfirmPlayers: state.CanConfirmPlayers(),
		Language:          s.lang,
		Limits:            limits,
	}

	if state.Step == bombparty.StepFinal || state.InGame() {
		msg.Standings = state.Standings()
	}
	if !state.Deadline.IsZero() {
		msg.RemainingMs = max(state.Deadline.Sub(s.manager.clock.Now()).Milliseconds(), 0)
	}

	return msg
}

func (s *Session) sendTo(c *Client, msg any) error {
	if !s.clients[c] {
		return errSlowClient
	}

	select {
	case c.send <- msg:
		return nil
	default:
		delete(s.clients, c)
		close(c.send)
		return errSlowClient
	}
}

func (s *Session) broadcast(msg any) error {
	var err error
	for c := range s.clients {
		if sendErr := s.sendTo(c, msg); sendErr != nil {
			err = sendErr
		}
	}
	return err
}

// cueFeedback plays sounds and vibrations on the session's browsers.
// It is only called from the session goroutine.
type cueFeedback struct {
	session *Session
}

func (f *cueFeedback) PlayLoopingTick(volume float64) error {
	return f.session.broadcast(AudioMessage{Type: "audio", Sound: "tick", Loop: true, Volume: volume})
}

func (f *cueFeedback) StopTick() error {
	return f.session.broadcast(AudioMessage{Type: "audio", Sound: "tick", Stop: true})
}

func (f *cueFeedback) PlayExplosion(volume float64) error {
	return f.session.broadcast(AudioMessage{Type: "audio", Sound: "explosion", Volume: volume})
}

func (f *cueFeedback) PlayClick(volume float64) error {
	return f.session.broadcast(AudioMessage{Type: "audio", Sound: "click", Volume: volume})
}

func (f *cueFeedback) Vibrate(pattern []time.Duration) error {
	ms := make([]int64, 0, len(pattern))
	for _, d := range pattern {
		ms = append(ms, d.Milliseconds())
	}

	supported := false
	var err error
	for c := range f.session.clients {
		if !c.haptics {
			continue
		}
		supported = true
		if sendErr := f.session.sendTo(c, HapticMessage{Type: "haptic", Pattern: ms}); sendErr != nil {
			err = sendErr
		}
	}

	if !supported {
		return bombparty.ErrUnsupported
	}
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const browserCookieName = "baer_id"

func getOrSetBrowserID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(browserCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		errorf("rand.Read error: %v", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     browserCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// SessionManager holds the sessions keyed by ID, so each
// /bombparty/:id is its own isolated table.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	kv          bombparty.KV
	pools       *bombparty.Pools
	clock       bombparty.Clock
	quit        chan struct{}
	closeOnce   sync.Once
}

func newSessionManager(idleTimeout time.Duration, kv bombparty.KV, pools *bombparty.Pools) *SessionManager {
	gm := &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		kv:          kv,
		pools:       pools,
		clock:       bombparty.SystemClock,
		quit:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *SessionManager) getSession(cfg *Config, id string) *Session {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if s, ok := gm.sessions[id]; ok {
		return s
	}

	s := newSession(id, gm)
	gm.sessions[id] = s
	go s.run(cfg)
	return s
}

func (gm *SessionManager) remove(id string, s *Session) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.sessions[id] == s {
		delete(gm.sessions, id)
	}
}

func (gm *SessionManager) count() int {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	return len(gm.sessions)
}

// newSessionID generates a crypto-random session ID and ensures it
// doesn't collide with existing sessions.
func (gm *SessionManager) newSessionID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.sessions[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically ends sessions that have been idle longer than idleTimeout.
func (gm *SessionManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gm.reap(time.Now().Add(-gm.idleTimeout))
		case <-gm.quit:
			return
		}
	}
}

func (gm *SessionManager) reap(cutoff time.Time) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, s := range gm.sessions {
		if s.idleSince().Before(cutoff) {
			delete(gm.sessions, id)
			s.stop()
		}
	}
}

// Close ends every session and stops the reaper.
func (gm *SessionManager) Close() {
	gm.closeOnce.Do(func() { close(gm.quit) })

	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, s := range gm.sessions {
		delete(gm.sessions, id)
		s.stop()
	}
}

// WebSocket handler that picks the session based on :id
func serveWSForManager(cfg *Config, gm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		if id == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		browserID := getOrSetBrowserID(w, r)
		if browserID == "" {
			http.Error(w, "unable to assign browser id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade error: %v", err)
			return
		}

		client := &Client{
			conn:      conn,
			send:      make(chan any, 16),
			browserID: browserID,
			langPrefs: []string{r.URL.Query().Get("lang"), r.Header.Get("Accept-Language")},
		}

		// A session that just ended cannot take new clients; start over
		// with a fresh one under the same ID.
		session := gm.getSession(cfg, id)
		if !session.join(client) {
			session = gm.getSession(cfg, id)
			if !session.join(client) {
				_ = conn.Close()
				return
			}
		}

		go client.writePump()
		client.readPump(session)
	}
}

func (c *Client) readPump(s *Session) {
	defer func() {
		s.leave(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		s.post(clientEvent{client: c, msg: msg})
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current session URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}

	// We are at /.../:id/qr; strip trailing "/qr" to get the session URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := assets.ReadFile("assets/bombparty/index.html")
		if err != nil {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		securityHeaders(cfg, w)

		_ = getOrSetBrowserID(w, r)

		_, _ = w.Write(data)
	}
}

// redirectNewSession handles GET /path by generating a new random session
// ID (with server-side collision detection) and redirecting to /path/:id.
func redirectNewSession(cfg *Config, path string, gm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := gm.newSessionID()
		logf(cfg, "GAMES: Created bomb party %s/%s", path, id)

		target := cfg.prefix + path + "/" + id
		if q := r.URL.RawQuery; q != "" {
			target += "?" + q
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	}
}

// registerBombParty sets up routes so that:
//   - $path            → redirects to a new random session (8-char ID)
//   - $path/:id        → HTML client
//   - $path/:id/ws     → WebSocket for that session
//   - $path/:id/qr     → PNG QR code for that session URL
func registerBombParty(cfg *Config, path string, mux *httprouter.Router, kv bombparty.KV, pools *bombparty.Pools) *SessionManager {
	gm := newSessionManager(cfg.sessionTimeout, kv, pools)

	mux.GET(cfg.prefix+path, redirectNewSession(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:id", getIndexHandler(cfg))

	mux.GET(cfg.prefix+path+"/:id/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:id/qr", qrHandler)

	return gm
}
