package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello world", want: "hello world"},
		{name: "case", in: "Hello WORLD", want: "hello world"},
		{name: "full width", in: "Ｈｅｌｌｏ，Ｗｏｒｌｄ！", want: "hello world"},
		{name: "whitespace runs", in: "  hello \t\n  world  ", want: "hello world"},
		{name: "punctuation runs", in: "hello...!!!world", want: "hello world"},
		{name: "symbols", in: "#hello# + world $$", want: "hello world"},
		{name: "cjk brackets", in: "【热搜】北京·暴雨！！", want: "热搜 北京 暴雨"},
		{name: "ideographic space", in: "北京　暴雨", want: "北京 暴雨"},
		{name: "sharp s folds", in: "STRASSE straße", want: "strasse strasse"},
		{name: "only punctuation", in: "!!!", want: ""},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestOfKnownVector(t *testing.T) {
	t.Parallel()

	got := Of(platform.Weibo, "Hello, World!")
	assert.Equal(t, crawler.Fingerprint("82c7464c7bc75308e9c5f1afbe5e096b1b9535ff2d3362d8d72a8371ffae7170"), got)
	assert.True(t, Valid(got))
}

func TestOfStableAcrossVariants(t *testing.T) {
	t.Parallel()

	base := Of(platform.Zhihu, "北京暴雨 最新消息")
	variants := []string{
		"北京暴雨　最新消息",
		" 北京暴雨，最新消息 ",
		"北京暴雨——最新消息",
		"北京暴雨 最新消息!!",
	}
	for _, v := range variants {
		assert.Equal(t, base, Of(platform.Zhihu, v), "variant %q", v)
	}
}

func TestOfFoldsPlatformAndTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Of("weibo", "breaking news"), Of("Weibo", "  Breaking News!!  "))
	assert.Equal(t, Of(platform.Weibo, "breaking news"), Of("WEIBO", "BREAKING-NEWS"))
}

func TestOfSeparatesPlatforms(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, Of(platform.Weibo, "same title"), Of(platform.Baidu, "same title"))
	assert.NotEqual(t, Of(platform.Weibo, "a b"), Of(platform.Weibo, "ab"))
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.False(t, Valid(""))
	assert.False(t, Valid("xyz"))
	assert.False(t, Valid(crawler.Fingerprint("82C7464C7BC75308E9C5F1AFBE5E096B1B9535FF2D3362D8D72A8371FFAE7170")))
}

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := NewHasher()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}
