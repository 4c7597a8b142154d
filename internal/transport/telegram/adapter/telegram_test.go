package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"daynews/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline boundary", "aaaa\nbbbb\ncc", 8, []string{"aaaa", "bbbb\ncc"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tt.in, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("split = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToUpdate(t *testing.T) {
	t.Parallel()
	if _, ok := toUpdate(nil); ok {
		t.Fatal("nil message converted")
	}
	up, ok := toUpdate(&tele.Message{
		ID:       5,
		Text:     "/news",
		ThreadID: 3,
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 9, Username: "ann"},
	})
	if !ok || up.Message == nil {
		t.Fatal("message not converted")
	}
	m := up.Message
	if m.ChatID != -100 || m.ThreadID != 3 || m.FromID != 9 || !m.IsGroup || m.Text != "/news" {
		t.Fatalf("converted = %+v", m)
	}
	if got := m.Target().SubscriberID(); got != "-100/3" {
		t.Fatalf("SubscriberID = %q", got)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
