package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShort(t *testing.T) {
	parts := splitMessage("hello")
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("expected single part, got %v", parts)
	}
}

func TestSplitMessageLong(t *testing.T) {
	text := strings.Repeat("a", maxTelegramMessage*2+100)
	parts := splitMessage(text)

	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	for i, part := range parts[:2] {
		if len(part) != maxTelegramMessage {
			t.Errorf("part %d has length %d", i, len(part))
		}
	}
	if len(parts[2]) != 100 {
		t.Errorf("expected trailing part of 100, got %d", len(parts[2]))
	}
	if strings.Join(parts, "") != text {
		t.Error("split lost content")
	}
}

func TestSessionFor(t *testing.T) {
	id := sessionFor(42, -1001)
	if id != "telegram:42:-1001" {
		t.Errorf("expected 'telegram:42:-1001', got %q", id)
	}
	if sessionFor(42, 1) == sessionFor(42, 2) {
		t.Error("different chats mapped to the same session")
	}
}

func TestRenderForChatPlainText(t *testing.T) {
	text := "just a plain reply"
	if got := renderForChat(text); got != text {
		t.Errorf("plain text was rewritten: %q", got)
	}
}

func TestRenderForChatHTML(t *testing.T) {
	got := renderForChat("<b>bold</b> and <i>italic</i>")
	if strings.Contains(got, "<b>") {
		t.Errorf("expected HTML converted away, got %q", got)
	}
	if !strings.Contains(got, "bold") || !strings.Contains(got, "italic") {
		t.Errorf("conversion lost text: %q", got)
	}
}

func TestRenderForChatAttachmentCard(t *testing.T) {
	card := `<figure class="attachment"><img src="data:image/png;base64,aGk=" alt="attachment"></figure>`
	got := renderForChat(card)
	if strings.Contains(got, "<figure") {
		t.Errorf("figure markup leaked into chat output: %q", got)
	}
}
