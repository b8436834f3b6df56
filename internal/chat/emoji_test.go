package chat

import "testing"

func TestEmojiRoundTrip(t *testing.T) {
	keys := []string{
		EmojiThumbsUp, EmojiThumbsDown, EmojiHeart, EmojiFire,
		EmojiRocket, EmojiEyes, EmojiWhiteCheckMark, EmojiX,
	}
	for _, adapter := range []string{"slack", "discord", "googlechat"} {
		for _, key := range keys {
			raw := PlatformEmoji(adapter, key)
			if got := NormalizeEmoji(adapter, raw); got != key {
				t.Errorf("%s: NormalizeEmoji(PlatformEmoji(%q)) = %q", adapter, key, got)
			}
		}
	}
}

func TestEmojiPassThrough(t *testing.T) {
	if got := PlatformEmoji("slack", "party_parrot"); got != "party_parrot" {
		t.Errorf("unknown key = %q, want pass-through", got)
	}
	if got := NormalizeEmoji("slack", "party_parrot"); got != "party_parrot" {
		t.Errorf("unknown raw = %q, want pass-through", got)
	}
	if got := NormalizeEmoji("teams", "anything"); got != "anything" {
		t.Errorf("unmapped adapter = %q, want pass-through", got)
	}
}

func TestChunkText(t *testing.T) {
	if got := ChunkText("short", 2000); len(got) != 1 || got[0] != "short" {
		t.Errorf("ChunkText(short) = %v", got)
	}

	text := "line one\nline two\nline three"
	chunks := ChunkText(text, 12)
	for i, c := range chunks {
		if len(c) > 12 {
			t.Errorf("chunk %d is %d bytes, cap 12", i, len(c))
		}
	}
	joined := ""
	for i, c := range chunks {
		if i > 0 {
			joined += "\n"
		}
		joined += c
	}
	if joined != text {
		t.Errorf("chunks lost content: %q != %q", joined, text)
	}
}
