package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-compressor/internal/encoder"
	"github.com/you/tg-compressor/internal/history"
	"github.com/you/tg-compressor/internal/jobs"
	"github.com/you/tg-compressor/internal/logx"
	"github.com/you/tg-compressor/internal/queue"
	"github.com/you/tg-compressor/internal/quota"
)

type cfg struct {
	BotToken     string
	DataDir      string
	HistoryPath  string
	RedisAddr    string
	Concurrency  int
	QueueSize    int
	TargetHeight int
	EncodeTO     time.Duration
	Retention    time.Duration
	MaxFileBytes int64
	DailyMax     int
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func loadCfg() cfg {
	dataDir := getenv("DATA_DIR", "data")
	mb := mustInt("MAX_FILE_MB", 2048)
	return cfg{
		BotToken:     os.Getenv("BOT_TOKEN"),
		DataDir:      dataDir,
		HistoryPath:  getenv("HISTORY_DB", filepath.Join(dataDir, "history.db")),
		RedisAddr:    os.Getenv("REDIS_ADDR"), // empty disables the daily quota
		Concurrency:  mustInt("CONCURRENCY", 2),
		QueueSize:    mustInt("QUEUE_SIZE", 100),
		TargetHeight: mustInt("TARGET_HEIGHT", 480),
		EncodeTO:     time.Duration(mustInt("ENCODE_TIMEOUT_SEC", 7200)) * time.Second,
		Retention:    time.Duration(mustInt("RETENTION_MIN", 60)) * time.Minute,
		MaxFileBytes: int64(mb) * 1024 * 1024,
		DailyMax:     mustInt("DAILY_MAX", 20),
	}
}

// delivery remembers where a job's outcome has to go.
type delivery struct {
	chatID      int64
	statusMsgID int
	jobDir      string
}

type server struct {
	cfg     cfg
	bot     *tgbotapi.BotAPI
	qm      *queue.Manager
	store   *history.Store
	limiter *quota.Limiter // nil when REDIS_ADDR unset

	dmu        sync.Mutex
	deliveries map[string]*delivery // key: job id
}

// invokerFunc adapts a closure to encoder.Invoker so each job can encode
// into its own directory.
type invokerFunc func(ctx context.Context, inputPath string) (*jobs.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, inputPath string) (*jobs.Result, error) {
	return f(ctx, inputPath)
}

func main() {
	_ = godotenv.Load()
	c := loadCfg()

	logx.Setup(logx.FromEnv("bot"))
	log.Info().Msg("bot starting")

	if c.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is required")
	}
	if err := os.MkdirAll(filepath.Join(c.DataDir, "jobs"), 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	// health endpoint
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		})
		log.Info().Msg("bot health on :8080/health")
		log.Error().Err(http.ListenAndServe(":8080", nil)).Msg("health server stopped")
	}()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth failed")
	}
	bot.Debug = false
	log.Info().Str("username", bot.Self.UserName).Msg("bot authorized")

	store, err := history.Open(c.HistoryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open history store")
	}
	defer store.Close()

	var limiter *quota.Limiter
	if c.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		limiter = quota.New(rdb, c.DailyMax)
	}

	params := encoder.DefaultParams()
	params.Height = c.TargetHeight
	params.Timeout = c.EncodeTO

	// Each job downloads into its own directory; the encoder writes the
	// output next to the input there.
	invoke := invokerFunc(func(ctx context.Context, inputPath string) (*jobs.Result, error) {
		return encoder.NewFFmpeg(filepath.Dir(inputPath), params).Invoke(ctx, inputPath)
	})
	qm := queue.New(invoke, queue.Config{
		Workers:   c.Concurrency,
		QueueSize: c.QueueSize,
		Retention: c.Retention,
	})
	defer qm.Close()

	s := &server{
		cfg:        c,
		bot:        bot,
		qm:         qm,
		store:      store,
		limiter:    limiter,
		deliveries: make(map[string]*delivery),
	}

	go s.deliverResults()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-stop:
			log.Info().Msg("shutting down")
			bot.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message != nil {
				s.onMessage(upd.Message)
			}
		}
	}
}

// --- Handlers ---

func (s *server) onMessage(m *tgbotapi.Message) {
	log.Info().
		Int64("chat_id", m.Chat.ID).
		Int64("user_id", m.From.ID).
		Msg("message received")

	if m.IsCommand() {
		switch m.Command() {
		case "start":
			s.reply(m.Chat.ID, s.welcomeText(m))
		case "help":
			s.reply(m.Chat.ID, s.helpText())
		case "status":
			s.handleStatus(m)
		case "cancel":
			s.handleCancel(m)
		case "stats":
			s.handleStats(m)
		default:
			s.reply(m.Chat.ID, "Unknown command. Send me a video, or try /help.")
		}
		return
	}

	fileID, name, size, ok := extractVideo(m)
	if !ok {
		return
	}
	// The download can take minutes; keep the update loop free.
	go s.handleVideo(m, fileID, name, size)
}

func (s *server) handleStatus(m *tgbotapi.Message) {
	j, ok := s.qm.Status(m.From.ID)
	if !ok {
		s.reply(m.Chat.ID, "You don't have any videos in the compression queue.")
		return
	}
	switch j.State {
	case jobs.StateQueued:
		if pos, ok := s.qm.Position(m.From.ID); ok {
			s.reply(m.Chat.ID, fmt.Sprintf("Your video is in the queue. Position: %d.", pos))
			return
		}
		s.reply(m.Chat.ID, "Your video is in the queue.")
	case jobs.StateRunning:
		s.reply(m.Chat.ID, "Your video is being compressed right now. Please wait.")
	case jobs.StateSucceeded:
		s.reply(m.Chat.ID, "Your last video finished successfully.")
	case jobs.StateCancelled:
		s.reply(m.Chat.ID, "Your last job was cancelled. Send a video to start again.")
	case jobs.StateFailed:
		msg := "Your last job failed."
		if j.Failure != nil {
			msg = "Your last job failed: " + j.Failure.Message
		}
		s.reply(m.Chat.ID, msg+" Send the video again to retry.")
	}
}

func (s *server) handleCancel(m *tgbotapi.Message) {
	res, err := s.qm.Cancel(m.From.ID)
	if err != nil {
		s.reply(m.Chat.ID, "You don't have a compression task to cancel.")
		return
	}
	switch res {
	case queue.CancelledQueued:
		s.reply(m.Chat.ID, "Your pending compression task has been cancelled.")
	case queue.CancelSignalled:
		s.reply(m.Chat.ID, "Stopping your running compression…")
	}
}

func (s *server) handleStats(m *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.store.UserStats(ctx, m.From.ID)
	if err != nil {
		log.Error().Err(err).Msg("user stats query failed")
		s.reply(m.Chat.ID, "Could not load your stats right now.")
		return
	}
	saved := st.BytesIn - st.BytesOut
	if saved < 0 {
		saved = 0
	}
	s.reply(m.Chat.ID, fmt.Sprintf(
		"Your stats:\nJobs: %d (%d succeeded)\nData in: %s\nData out: %s\nSaved: %s",
		st.Total, st.Succeeded, humanSize(st.BytesIn), humanSize(st.BytesOut), humanSize(saved)))
}

func (s *server) handleVideo(m *tgbotapi.Message, fileID, name string, size int64) {
	userID := m.From.ID
	chatID := m.Chat.ID

	if size > s.cfg.MaxFileBytes {
		s.reply(chatID, fmt.Sprintf("File too large (%s). Maximum allowed size is %s.",
			humanSize(size), humanSize(s.cfg.MaxFileBytes)))
		return
	}

	// Reject early so we don't download for nothing.
	if j, ok := s.qm.Status(userID); ok && j.Active() {
		s.reply(chatID, "You already have a video in progress. Use /status or /cancel.")
		return
	}

	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rem := s.limiter.Remaining(ctx, userID)
		cancel()
		if rem <= 0 {
			s.reply(chatID, fmt.Sprintf("Daily limit of %d compressions reached. Try again tomorrow.", s.limiter.DailyMax()))
			return
		}
	}

	s.recordUser(m)

	statusMsg, _ := s.bot.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf(
		"Received: %s\nSize: %s\nDownloading…", name, humanSize(size))))

	jobDir := filepath.Join(s.cfg.DataDir, "jobs", jobs.NewID())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		log.Error().Err(err).Msg("create job dir")
		s.editStatus(chatID, statusMsg.MessageID, "Internal error, please try again.")
		return
	}

	inputPath, err := s.downloadVideo(fileID, jobDir, name)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("download failed")
		s.editStatus(chatID, statusMsg.MessageID, "Download failed, please send the video again.")
		_ = os.RemoveAll(jobDir)
		return
	}

	j, err := s.qm.Submit(userID, inputPath, name)
	switch {
	case errors.Is(err, queue.ErrAlreadyActive):
		s.editStatus(chatID, statusMsg.MessageID, "You already have a video in progress. Use /status or /cancel.")
		_ = os.RemoveAll(jobDir)
		return
	case errors.Is(err, queue.ErrQueueFull):
		s.editStatus(chatID, statusMsg.MessageID, "The queue is full right now. Please try again in a few minutes.")
		_ = os.RemoveAll(jobDir)
		return
	case err != nil:
		log.Error().Err(err).Msg("submit failed")
		s.editStatus(chatID, statusMsg.MessageID, "Internal error, please try again.")
		_ = os.RemoveAll(jobDir)
		return
	}

	s.dmu.Lock()
	s.deliveries[j.ID] = &delivery{chatID: chatID, statusMsgID: statusMsg.MessageID, jobDir: jobDir}
	s.dmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.store.CreateJob(ctx, j, size); err != nil {
		log.Error().Err(err).Msg("record job")
	}
	cancel()

	if pos, ok := s.qm.Position(userID); ok && pos > 1 {
		s.editStatus(chatID, statusMsg.MessageID, fmt.Sprintf(
			"Received: %s\nAdded to queue (position: %d). Use /status to check.", name, pos))
	} else {
		s.editStatus(chatID, statusMsg.MessageID, fmt.Sprintf(
			"Received: %s\nCompressing to %dp…", name, s.cfg.TargetHeight))
	}
}

// deliverResults consumes terminal jobs from the queue manager and relays
// them to the chat.
func (s *server) deliverResults() {
	for j := range s.qm.Done() {
		s.dmu.Lock()
		d := s.deliveries[j.ID]
		delete(s.deliveries, j.ID)
		s.dmu.Unlock()
		if d == nil {
			continue
		}
		s.deliverOne(j, d)
	}
}

func (s *server) deliverOne(j *jobs.Job, d *delivery) {
	defer func() {
		_ = os.RemoveAll(d.jobDir)
		s.qm.Ack(j.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.store.FinishJob(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("record outcome")
	}
	cancel()

	switch j.State {
	case jobs.StateSucceeded:
		doc := tgbotapi.NewDocument(d.chatID, tgbotapi.FilePath(j.Result.OutputPath))
		doc.Caption = resultCaption(j, s.cfg.TargetHeight)
		if _, err := s.bot.Send(doc); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("upload failed")
			s.editStatus(d.chatID, d.statusMsgID, "Compression finished but the upload failed. Please send the video again.")
			return
		}
		s.editStatus(d.chatID, d.statusMsgID, fmt.Sprintf(
			"Done. Size reduction: %.1f%%, processing time: %s.",
			j.Result.Reduction(), formatDuration(j.Result.Elapsed)))
		if s.limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.limiter.Charge(ctx, j.Owner, 1); err != nil {
				log.Error().Err(err).Msg("quota charge failed")
			}
			cancel()
		}
	case jobs.StateCancelled:
		s.editStatus(d.chatID, d.statusMsgID, "Compression cancelled.")
	case jobs.StateFailed:
		msg := "Compression failed."
		if j.Failure != nil {
			msg = j.Failure.Message
		}
		s.editStatus(d.chatID, d.statusMsgID, msg+" Send the video again to retry.")
	}
}

func (s *server) recordUser(m *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertUser(ctx, m.From.ID, m.From.UserName, m.From.FirstName, m.From.LastName); err != nil {
		log.Error().Err(err).Msg("record user")
	}
}

func (s *server) reply(chatID int64, text string) {
	_, _ = s.bot.Send(tgbotapi.NewMessage(chatID, text))
}

func (s *server) editStatus(chatID int64, msgID int, text string) {
	_, _ = s.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text))
}

func (s *server) welcomeText(m *tgbotapi.Message) string {
	name := strings.TrimSpace(m.From.FirstName)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(
		"Hello %s!\n\nI compress videos to %dp and convert them to MKV.\n"+
			"Just send me a video file and I'll take care of it.\n\n"+
			"Commands:\n/start - this message\n/help - usage details\n"+
			"/status - check your compression\n/cancel - cancel your current task\n/stats - your totals",
		name, s.cfg.TargetHeight)
}

func (s *server) helpText() string {
	return fmt.Sprintf(
		"How to use:\n1. Send me a video (as video or document).\n"+
			"2. Wait for compression to finish.\n3. Receive the compressed MKV.\n\n"+
			"Settings: %dp height, MKV container, one video per user at a time.\n"+
			"Maximum file size: %s.\n\n"+
			"Commands: /status, /cancel, /stats",
		s.cfg.TargetHeight, humanSize(s.cfg.MaxFileBytes))
}
