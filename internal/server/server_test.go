package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JullianMQ/lifeline/internal/alerts"
	"github.com/JullianMQ/lifeline/internal/auth"
	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/locations"
	"github.com/JullianMQ/lifeline/internal/rooms"
	"github.com/JullianMQ/lifeline/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "lifeline-auth"
)

var (
	ownerIdentity   = identity.Identity{UserID: "user-u", Name: "Uma", Phone: "+15550000001", Role: "mutual"}
	contactIdentity = identity.Identity{UserID: "user-c", Name: "Cal", Phone: "+15550000002", Role: "mutual"}
)

type recordingMailer struct {
	mu         sync.Mutex
	recipients []string
}

func (m *recordingMailer) Send(_ context.Context, toEmail string, _ alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append(m.recipients, toEmail)
	return nil
}

func (m *recordingMailer) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recipients...)
}

type serverFixture struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	db     *gorm.DB
	mailer *recordingMailer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Identity{}, &users.EmergencyContact{}, &locations.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	hub := rooms.NewHub(rooms.HubConfig{})
	t.Cleanup(hub.Close)
	mailer := &recordingMailer{}
	ledger, err := locations.NewLedger(locations.LedgerConfig{
		Database:    db,
		Rooms:       hub,
		Broadcaster: hub,
		Contacts:    directory,
		Mailer:      mailer,
	})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    "lifeline_session",
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            directory,
		Hub:              hub,
		Ledger:           ledger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &serverFixture{
		server: server,
		issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer}),
		db:     db,
		mailer: mailer,
	}
}

func (f *serverFixture) token(t *testing.T, ident identity.Identity) string {
	t.Helper()
	token, _, err := f.issuer.IssueSessionToken(ident)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *serverFixture) dial(t *testing.T, ident identity.Identity) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?access_token=" + f.token(t, ident)
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected upgrade status %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *serverFixture) request(t *testing.T, method, path string, ident *identity.Identity, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if ident != nil {
		request.Header.Set("Authorization", "Bearer "+f.token(t, *ident))
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response, payload
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	message := map[string]any{}
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("failed to read websocket message: %v", err)
	}
	return message
}

func readUntil(t *testing.T, conn *websocket.Conn, messageType string) map[string]any {
	t.Helper()
	for {
		message := readMessage(t, conn)
		if message["type"] == messageType {
			return message
		}
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, message map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(message); err != nil {
		t.Fatalf("failed to write websocket message: %v", err)
	}
}

func stringList(t *testing.T, value any) []string {
	t.Helper()
	items, ok := value.([]any)
	if !ok {
		t.Fatalf("expected list, got %T", value)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.(string))
	}
	return out
}

func TestEmergencyFlowAcrossAutoJoinedRooms(t *testing.T) {
	fixture := newServerFixture(t)

	owner := fixture.dial(t, ownerIdentity)
	connected := readUntil(t, owner, rooms.TypeConnected)
	if connected["clientId"] == "" || len(stringList(t, connected["roomIds"])) != 0 {
		t.Fatalf("unexpected connected message %v", connected)
	}
	for _, roomID := range []string{"R1", "R2"} {
		sendMessage(t, owner, map[string]any{"type": rooms.TypeCreateRoom, "roomId": roomID, "emergencyContacts": []string{contactIdentity.Phone}})
		created := readUntil(t, owner, rooms.TypeRoomCreated)
		if created["roomId"] != roomID {
			t.Fatalf("expected room %s, got %v", roomID, created)
		}
	}

	contact := fixture.dial(t, contactIdentity)
	handshake := readMessage(t, contact)
	if handshake["type"] != rooms.TypeConnected {
		t.Fatalf("expected connected first, got %v", handshake)
	}
	for _, roomID := range []string{"R1", "R2"} {
		joined := readMessage(t, contact)
		if joined["type"] != rooms.TypeAutoJoined || joined["roomId"] != roomID {
			t.Fatalf("expected auto-joined %s, got %v", roomID, joined)
		}
	}
	summary := readMessage(t, contact)
	if summary["type"] != rooms.TypeAutoJoinSummary {
		t.Fatalf("expected auto-join-summary, got %v", summary)
	}
	if joined, _ := summary["roomsJoined"].([]any); len(joined) != 2 {
		t.Fatalf("expected two rooms in summary, got %v", summary["roomsJoined"])
	}

	sendMessage(t, owner, map[string]any{"type": rooms.TypeEmergencySOS})
	confirmed := readUntil(t, owner, rooms.TypeEmergencyConfirmed)
	activated := stringList(t, confirmed["activatedRooms"])
	if len(activated) != 2 || activated[0] != "R1" || activated[1] != "R2" {
		t.Fatalf("unexpected activated rooms %v", activated)
	}

	alerted := map[string]bool{}
	for len(alerted) < 2 {
		alert := readUntil(t, contact, rooms.TypeEmergencyAlert)
		roomID, _ := alert["roomId"].(string)
		if alerted[roomID] {
			t.Fatalf("duplicate alert for %s", roomID)
		}
		alerted[roomID] = true
	}
	if !alerted["R1"] || !alerted["R2"] {
		t.Fatalf("expected alerts for R1 and R2, got %v", alerted)
	}
}

func TestWebsocketErrorsStayOnConnection(t *testing.T) {
	fixture := newServerFixture(t)

	owner := fixture.dial(t, ownerIdentity)
	readUntil(t, owner, rooms.TypeConnected)

	sendMessage(t, owner, map[string]any{"type": rooms.TypeCreateRoom, "roomId": "R1", "emergencyContacts": []string{contactIdentity.Phone}})
	readUntil(t, owner, rooms.TypeRoomCreated)
	sendMessage(t, owner, map[string]any{"type": rooms.TypeCreateRoom, "roomId": "R1", "emergencyContacts": []string{"+15559999999"}})
	duplicate := readUntil(t, owner, rooms.TypeError)
	if duplicate["message"] != "Room already exists" {
		t.Fatalf("unexpected duplicate error %v", duplicate)
	}

	stranger := fixture.dial(t, identity.Identity{UserID: "user-s", Phone: "+15550000099"})
	readUntil(t, stranger, rooms.TypeConnected)
	sendMessage(t, stranger, map[string]any{"type": rooms.TypeJoinRoom, "roomId": "R1"})
	denied := readUntil(t, stranger, rooms.TypeJoinDenied)
	if denied["message"] != "Not authorized for this room" {
		t.Fatalf("unexpected denial %v", denied)
	}
	sendMessage(t, stranger, map[string]any{"type": rooms.TypeEmergencySOS})
	noRooms := readUntil(t, stranger, rooms.TypeError)
	if noRooms["message"] != "No owned rooms found" {
		t.Fatalf("unexpected sos error %v", noRooms)
	}

	sendMessage(t, owner, map[string]any{"type": rooms.TypePing})
	readUntil(t, owner, rooms.TypePong)
	sendMessage(t, owner, map[string]any{"type": rooms.TypeGetUsers, "roomId": "R1"})
	listing := readUntil(t, owner, rooms.TypeRoomUsers)
	if members, _ := listing["users"].([]any); len(members) != 1 {
		t.Fatalf("expected the owner as sole member, got %v", listing["users"])
	}
}

func TestLocationPostRequiresActiveRoomAndFansOut(t *testing.T) {
	fixture := newServerFixture(t)
	body := map[string]any{"latitude": 14.5995, "longitude": 120.9842, "timestamp": time.Now().UTC().Add(-time.Minute)}

	response, payload := fixture.request(t, http.MethodPost, "/location", &ownerIdentity, body)
	if response.StatusCode != http.StatusForbidden || payload["message"] != "not in any active room" {
		t.Fatalf("expected 403 not in any active room, got %d %v", response.StatusCode, payload)
	}

	contacts := []users.EmergencyContact{
		{OwnerUserID: ownerIdentity.UserID, Name: "Cal", Phone: contactIdentity.Phone, Email: "cal@example.com"},
		{OwnerUserID: ownerIdentity.UserID, Name: "No Email", Phone: "+15550000003"},
	}
	if err := fixture.db.Create(&contacts).Error; err != nil {
		t.Fatalf("failed to seed contacts: %v", err)
	}

	owner := fixture.dial(t, ownerIdentity)
	readUntil(t, owner, rooms.TypeConnected)
	ownRoom := readUntil(t, owner, rooms.TypeRoomCreated)
	if ownRoom["roomId"] != rooms.OwnRoomID(ownerIdentity.UserID) {
		t.Fatalf("expected own room, got %v", ownRoom)
	}

	response, payload = fixture.request(t, http.MethodPost, "/sos", &ownerIdentity, body)
	if response.StatusCode != http.StatusOK || payload["success"] != true {
		t.Fatalf("expected accepted sos, got %d %v", response.StatusCode, payload)
	}
	if roomIDs := stringList(t, payload["rooms"]); len(roomIDs) != 1 || roomIDs[0] != "user:user-u" {
		t.Fatalf("unexpected rooms %v", roomIDs)
	}
	update := readUntil(t, owner, rooms.TypeLocationUpdate)
	if update["sos"] != true || update["userId"] != ownerIdentity.UserID {
		t.Fatalf("unexpected location update %v", update)
	}
	if sent := fixture.mailer.sent(); len(sent) != 1 || sent[0] != "cal@example.com" {
		t.Fatalf("expected one sos email to cal, got %v", sent)
	}

	response, payload = fixture.request(t, http.MethodGet, "/locations", &ownerIdentity, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("history failed: %d %v", response.StatusCode, payload)
	}
	history, _ := payload["locations"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected one stored location, got %v", payload["locations"])
	}
	locationID := history[0].(map[string]any)["id"].(string)

	response, payload = fixture.request(t, http.MethodGet, "/locations/contacts", &contactIdentity, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("contact history failed: %d %v", response.StatusCode, payload)
	}
	if grouped, _ := payload["contacts"].([]any); len(grouped) != 1 {
		t.Fatalf("expected one protected user, got %v", payload["contacts"])
	}

	stranger := identity.Identity{UserID: "user-s", Phone: "+15550000099"}
	response, _ = fixture.request(t, http.MethodPatch, "/locations/"+locationID+"/acknowledge", &stranger, nil)
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected stranger acknowledge to be forbidden, got %d", response.StatusCode)
	}
	response, payload = fixture.request(t, http.MethodPatch, "/locations/"+locationID+"/acknowledge", &contactIdentity, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge failed: %d %v", response.StatusCode, payload)
	}
	if record, _ := payload["location"].(map[string]any); record["acknowledged"] != true || record["acknowledgedBy"] != contactIdentity.UserID {
		t.Fatalf("unexpected acknowledged record %v", payload["location"])
	}
}

func TestLocationPostValidation(t *testing.T) {
	fixture := newServerFixture(t)

	response, payload := fixture.request(t, http.MethodPost, "/location", &ownerIdentity, map[string]any{"longitude": 1})
	if response.StatusCode != http.StatusBadRequest || payload["error"] != "validation" {
		t.Fatalf("expected validation error, got %d %v", response.StatusCode, payload)
	}
	response, payload = fixture.request(t, http.MethodPost, "/location", &ownerIdentity, map[string]any{
		"latitude": 14.5, "longitude": 120.9, "timestamp": time.Now().UTC(), "roomId": "missing-room",
	})
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d %v", response.StatusCode, payload)
	}
}
