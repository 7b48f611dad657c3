package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/duochat/pkg/client"
	"github.com/aeolun/duochat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// botPassword is shared by every generated account
const botPassword = "loadtest-password"

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesDelivered atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	sendFailures atomic.Int64
	reconnects   atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.messagesDelivered.Add(1)
	s.totalLatency.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, delivered, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	delivered = s.messagesDelivered.Load()
	connErrors = s.connectionErrors.Load()

	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}

	return
}

// BotClient is a scripted user that chats with exactly one partner
type BotClient struct {
	id       int
	username string
	api      *client.API
	driver   *client.Driver
	stats    *Stats
	partner  string
}

// generateUsername returns a unique alphanumeric name within the 32 char limit
func generateUsername(id int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("bot%d%s", id, suffix)
}

func NewBotClient(ctx context.Context, id int, serverAddr string, stats *Stats) (*BotClient, error) {
	api, err := client.NewAPI(serverAddr)
	if err != nil {
		return nil, err
	}

	username := generateUsername(id)
	if _, err := api.Register(ctx, username, botPassword); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", username, err)
	}

	return &BotClient{
		id:       id,
		username: username,
		api:      api,
		driver:   client.NewDriver(api),
		stats:    stats,
	}, nil
}

func (bc *BotClient) userID(ctx context.Context) (string, error) {
	self, err := bc.api.Profile(ctx)
	return self.UserID, err
}

// randomMessage embeds the send time so the receiver can measure latency
func randomMessage() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, strconv.FormatInt(time.Now().UnixMicro(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ")
}

func (bc *BotClient) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-bc.driver.StateChanges():
			if update.State == client.StateTypeReconnecting {
				bc.stats.reconnects.Add(1)
			}
		case ev := <-bc.driver.Events():
			msg, ok := ev.(*protocol.MessageEvent)
			if !ok || msg.Sender != bc.partner || msg.Text == nil {
				continue
			}
			stamp, _, _ := strings.Cut(*msg.Text, " ")
			if sentAt, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				bc.stats.recordDelivery(time.Since(time.UnixMicro(sentAt)))
			}
		}
	}
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if err := bc.driver.SetActivePeer(ctx, bc.partner); err != nil {
		bc.stats.connectionErrors.Add(1)
		return
	}

	go bc.driver.Run(ctx)
	go bc.watch(ctx)

	for ctx.Err() == nil {
		if bc.driver.IsConnected() {
			if err := bc.driver.Send(randomMessage()); err != nil {
				bc.stats.sendFailures.Add(1)
			} else {
				bc.stats.messagesSent.Add(1)
			}
		}

		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:4040", "Server address")
	numPairs := flag.Int("pairs", 10, "Number of chatting pairs")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	if *maxDelay < *minDelay {
		log.Fatalf("max-delay must not be below min-delay")
	}

	numClients := *numPairs * 2

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numPairs)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (%d pairs)", numClients, *numPairs)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per pair)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, delivered, connErrors, avgUs := stats.snapshot()
				rate := float64(delivered) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent, %d delivered (%.1f/s), %d conn errors, avg latency %.2fms",
					sent, delivered, rate, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numPairs && ctx.Err() == nil; i++ {
		a, err := NewBotClient(ctx, 2*i, *serverAddr, stats)
		if err != nil {
			log.Printf("[Pair %d] %v", i, err)
			stats.connectionErrors.Add(1)
			continue
		}
		b, err := NewBotClient(ctx, 2*i+1, *serverAddr, stats)
		if err != nil {
			log.Printf("[Pair %d] %v", i, err)
			stats.connectionErrors.Add(1)
			continue
		}

		aID, errA := a.userID(ctx)
		bID, errB := b.userID(ctx)
		if errA != nil || errB != nil {
			stats.connectionErrors.Add(1)
			continue
		}
		a.partner, b.partner = bID, aID

		if i%100 == 0 {
			log.Printf("[Pair %d] %s <-> %s", i, a.username, b.username)
		}

		for _, bot := range []*BotClient{a, b} {
			wg.Add(1)
			go func(bot *BotClient) {
				defer wg.Done()
				bot.Run(ctx, *duration, *minDelay, *maxDelay)
			}(bot)
		}

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(stopStats)

	sent, delivered, connErrors, avgUs := stats.snapshot()

	log.Printf("\n=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d", sent)
	log.Printf("Messages delivered: %d (%.1f/s)", delivered, float64(delivered)/duration.Seconds())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Reconnects: %d", stats.reconnects.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average delivery latency: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Delivery rate: %.1f%%", float64(delivered)/float64(sent)*100)
	}
}
