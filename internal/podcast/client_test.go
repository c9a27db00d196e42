package podcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.CloseTimeout = time.Second
	cfg.MaxJobDuration = 10 * time.Second
	return cfg
}

func newTestClient(t *testing.T, d Dialer) *Client {
	t.Helper()
	c, err := New(testConfig(), newLogger(), WithDialer(d))
	require.NoError(t, err)
	return c
}

func twoLineRequest() Request {
	return Request{
		InputID: "input-1",
		Lines: []Line{
			{Speaker: "zh_male_dayixiansheng_v2_saturn_bigtts", Text: "Welcome back to the show."},
			{Speaker: "zh_female_mizaitongxue_v2_saturn_bigtts", Text: "Glad to be here."},
		},
	}
}

func TestSynthesizeConcatenatesRoundsInOrder(t *testing.T) {
	d := newFakeDialer(script{frames: []*Message{
		roundStarted(0), audio("0a"), audio("0b"), roundEnded(false),
		roundStarted(1), audio("1a"), roundEnded(false),
		serverEvent(EventUsageResponse, "", `{"usage":{"input_text_tokens":12}}`),
		serverEvent(EventPodcastEnd, "", `{"meta_info":{}}`),
		sessionFinished(),
	}})
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)

	assert.Equal(t, "0a0b1a", string(res.Audio))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, res.LastRoundID)
	assert.Equal(t, "input-1", res.InputID)

	sessions, ids := d.recorded()
	require.Len(t, sessions, 1)
	assert.Nil(t, sessions[0].RetryInfo)
	assert.Equal(t, ids[0], res.TaskID)
	assert.Equal(t, "mp3", sessions[0].AudioConfig.Format)
	assert.Equal(t, 24000, sessions[0].AudioConfig.SampleRate)
	assert.Equal(t, 3, sessions[0].Action)
	assert.Len(t, sessions[0].NLPTexts, 2)
	assert.True(t, d.transports[0].isClosed())
}

func TestSynthesizeResumesAfterRoundError(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{
			roundStarted(0), audio("round0"), roundEnded(false),
			roundStarted(1), audio("bad-1"), audio("bad-2"), roundEnded(true),
		}},
		script{frames: []*Message{
			roundStarted(1), audio("round1"), roundEnded(false),
			sessionFinished(),
		}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)

	assert.Equal(t, "round0round1", string(res.Audio))
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.LastRoundID)

	sessions, ids := d.recorded()
	require.Len(t, sessions, 2)
	require.NotNil(t, sessions[1].RetryInfo)
	assert.Equal(t, ids[0], sessions[1].RetryInfo.RetryTaskID)
	assert.Equal(t, 0, sessions[1].RetryInfo.LastFinishedRoundID)
	assert.NotEqual(t, ids[0], ids[1], "each attempt uses a fresh session id")
	assert.Equal(t, ids[0], res.TaskID)
	for _, tr := range d.transports {
		assert.True(t, tr.isClosed())
	}
}

func TestSynthesizeKeepsTaskIDAcrossAttempts(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{roundStarted(0), audio("a"), roundEnded(false), roundStarted(1), audio("lost")}},
		script{frames: []*Message{errorFrame(50000000, "internal error")}},
		script{frames: []*Message{roundStarted(1), audio("b"), roundEnded(false), roundStarted(2), audio("c"), roundEnded(false), sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(res.Audio))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, res.Rounds)

	sessions, ids := d.recorded()
	require.Len(t, sessions, 3)
	for _, s := range sessions[1:] {
		require.NotNil(t, s.RetryInfo)
		assert.Equal(t, ids[0], s.RetryInfo.RetryTaskID)
		assert.Equal(t, 0, s.RetryInfo.LastFinishedRoundID)
	}
	assert.Equal(t, ids[0], res.TaskID)
}

func TestSynthesizeExhaustsAttemptBudget(t *testing.T) {
	dialErr := errors.New("connection refused")
	d := newFakeDialer(script{dialErr: dialErr}, script{dialErr: dialErr}, script{dialErr: dialErr})
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, 3, d.dials)
}

func TestSynthesizeDiscardsCommittedAudioOnExhaustion(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{roundStarted(0), audio("kept"), roundEnded(false)}},
		script{failConnection: true},
		script{failSession: true},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrRemote)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, EventSessionFailed, remote.Event)

	require.Len(t, d.transports, 3)
	for i, tr := range d.transports {
		assert.True(t, tr.isClosed(), "transport %d left open", i)
	}
}

func TestSynthesizeReleasesTransportWhenCloseHandshakeFails(t *testing.T) {
	d := newFakeDialer(script{
		dropFinish: true,
		frames:     []*Message{roundStarted(0), audio("done"), roundEnded(false), sessionFinished()},
	})
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", string(res.Audio))
	assert.Equal(t, 1, d.dials)
	assert.True(t, d.allClosed())
}

func TestSynthesizeReleasesEveryTransportOnFailurePaths(t *testing.T) {
	d := newFakeDialer(
		script{failConnection: true},
		script{failSession: true, dropFinish: true},
		script{dropFinish: true, frames: []*Message{roundStarted(0), audio("x")}},
	)
	c := newTestClient(t, d)

	_, err := c.Synthesize(context.Background(), twoLineRequest())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Len(t, d.transports, 3)
	if !d.allClosed() {
		t.Fatalf("expected every transport to be released after %d dials", d.dials)
	}
}

func TestSynthesizeTaskIDIsFirstSessionEvenWhenItFailsToStart(t *testing.T) {
	d := newFakeDialer(
		script{failSession: true},
		script{frames: []*Message{roundStarted(0), audio("a"), roundEnded(false)}},
		script{frames: []*Message{roundStarted(1), audio("b"), roundEnded(false), sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "ab", string(res.Audio))
	assert.Equal(t, 3, res.Attempts)

	sessions, ids := d.recorded()
	require.Len(t, sessions, 3)
	assert.Equal(t, ids[0], res.TaskID)
	assert.Nil(t, sessions[0].RetryInfo)
	require.NotNil(t, sessions[1].RetryInfo)
	assert.Equal(t, retryInfo{RetryTaskID: ids[0], LastFinishedRoundID: -1}, *sessions[1].RetryInfo)
	require.NotNil(t, sessions[2].RetryInfo)
	assert.Equal(t, retryInfo{RetryTaskID: ids[0], LastFinishedRoundID: 0}, *sessions[2].RetryInfo)
}

func TestSynthesizeResumesAfterFailedDial(t *testing.T) {
	d := newFakeDialer(
		script{dialErr: errors.New("connection refused")},
		script{frames: []*Message{roundStarted(0), audio("a"), roundEnded(false), sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)

	sessions, ids := d.recorded()
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].RetryInfo, "second attempt must resume the first one")
	assert.Equal(t, res.TaskID, sessions[0].RetryInfo.RetryTaskID)
	assert.Equal(t, -1, sessions[0].RetryInfo.LastFinishedRoundID)
	assert.NotEqual(t, ids[0], res.TaskID)
}

func TestSynthesizeRemoteErrorIsRetried(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{errorFrame(45000292, "quota exceeded")}},
		script{frames: []*Message{roundStarted(0), audio("ok"), roundEnded(false), sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Audio))
	assert.Equal(t, 2, res.Attempts)
}

func TestSynthesizeOpenRoundAtSessionFinishIsRetried(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{roundStarted(0), audio("x"), sessionFinished()}},
		script{frames: []*Message{roundStarted(0), audio("y"), roundEnded(false), sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "y", string(res.Audio))

	sessions, ids := d.recorded()
	require.NotNil(t, sessions[1].RetryInfo)
	assert.Equal(t, ids[0], sessions[1].RetryInfo.RetryTaskID)
	assert.Equal(t, -1, sessions[1].RetryInfo.LastFinishedRoundID)
}

func TestSynthesizeProtocolViolationIsRetried(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{audio("orphan")}},
		script{frames: []*Message{sessionFinished()}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Empty(t, res.Audio)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, -1, res.LastRoundID)
}

func TestSynthesizeUsesCallerResume(t *testing.T) {
	d := newFakeDialer(script{frames: []*Message{roundStarted(4), audio("r4"), roundEnded(false), sessionFinished()}})
	c := newTestClient(t, d)

	req := twoLineRequest()
	req.Resume = &ResumeInfo{RetryTaskID: "task-earlier", LastFinishedRoundID: 3}
	res, err := c.Synthesize(context.Background(), req)
	require.NoError(t, err)

	sessions, _ := d.recorded()
	require.NotNil(t, sessions[0].RetryInfo)
	assert.Equal(t, "task-earlier", sessions[0].RetryInfo.RetryTaskID)
	assert.Equal(t, 3, sessions[0].RetryInfo.LastFinishedRoundID)
	assert.Equal(t, "task-earlier", res.TaskID)
	assert.Equal(t, 4, res.LastRoundID)
}

func TestSynthesizeCancelledContextIsNotRetried(t *testing.T) {
	d := newFakeDialer(script{frames: []*Message{roundStarted(0)}}, script{}, script{})
	c := newTestClient(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Synthesize(ctx, twoLineRequest())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.LessOrEqual(t, d.dials, 1)
}

func TestSynthesizeRejectsInvalidRequest(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(t, d)

	cases := map[string]Request{
		"no lines":        {},
		"missing text":    {Lines: []Line{{Speaker: "host"}}},
		"missing speaker": {Lines: []Line{{Text: "hello"}}},
		"resume without task": {
			Lines:  []Line{{Speaker: "host", Text: "hello"}},
			Resume: &ResumeInfo{LastFinishedRoundID: 1},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Synthesize(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, d.dials)
}

func TestNewRequiresCredentialsForWebsocket(t *testing.T) {
	_, err := New(DefaultConfig(), newLogger())
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.Credentials.AppID = "app"
	cfg.Credentials.AccessKey = "token"
	c, err := New(cfg, newLogger())
	require.NoError(t, err)
	_, ok := c.conns.dialer.(*WebsocketDialer)
	assert.True(t, ok)
}

func TestNewRejectsBadBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 0
	_, err := New(cfg, newLogger(), WithDialer(newFakeDialer()))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestJobLastRoundIsMonotonic(t *testing.T) {
	j := newJob(Request{})
	j.merge(attemptOutcome{kind: outcomeRetryable, sessionID: "s1", lastRound: 2, rounds: 3, audio: []byte("abc")})
	j.merge(attemptOutcome{kind: outcomeRetryable, sessionID: "s2", lastRound: 1})
	assert.Equal(t, 2, j.lastRound)
	assert.Equal(t, "s1", j.taskID)
	assert.Equal(t, &ResumeInfo{RetryTaskID: "s1", LastFinishedRoundID: 2}, j.resume())
	assert.Equal(t, "abc", string(j.output))
}

func TestJobKeepsFirstSessionAsTaskID(t *testing.T) {
	j := newJob(Request{})
	assert.Nil(t, j.resume())
	j.merge(attemptOutcome{kind: outcomeRetryable, sessionID: "s1", lastRound: -1})
	assert.Equal(t, &ResumeInfo{RetryTaskID: "s1", LastFinishedRoundID: -1}, j.resume())
	j.merge(attemptOutcome{kind: outcomeRetryable, sessionID: "s2", lastRound: 0})
	assert.Equal(t, &ResumeInfo{RetryTaskID: "s1", LastFinishedRoundID: 0}, j.resume())
}

func TestSynthesizeIgnoresRoundsReplayedOnResume(t *testing.T) {
	d := newFakeDialer(
		script{frames: []*Message{roundStarted(0), audio("a"), roundEnded(false)}},
		script{frames: []*Message{
			roundStarted(0), audio("a"), roundEnded(false),
			roundStarted(1), audio("b"), roundEnded(false),
			sessionFinished(),
		}},
	)
	c := newTestClient(t, d)

	res, err := c.Synthesize(context.Background(), twoLineRequest())
	require.NoError(t, err)
	assert.Equal(t, "ab", string(res.Audio))
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 1, res.LastRoundID)
}
