package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
)

// User-scope keys for /fortune.
const (
	KeyFortuneLast     = "fortune_last"
	KeyFortuneLastTime = "fortune_last_time"
)

const (
	maxRolls = 100
	maxSides = 1000
)

var fortunes = []string{
	"A pleasant surprise is waiting for you.",
	"Your hard work will soon pay off.",
	"Now is the time to try something new.",
	"A smile is your passport into the hearts of others.",
	"Good news will come to you by mail.",
	"You will find great cheese in unexpected places.",
	"An old friend will reach out soon.",
	"Patience is your ally today.",
	"Someone is thinking of you right now.",
	"The answer you seek is closer than you think.",
	"Today is a good day to finish what you started.",
	"Fortune favors the curious.",
}

func (b *Builtins) funCommands() []Command {
	return []Command{
		{
			Route:       "roll",
			Description: "Roll some dice",
			Options: []transport.OptionDef{
				{Name: "rolls", Description: "How many dice to roll. Defaults to 1", Type: transport.OptionInteger},
				{Name: "sides", Description: "How many sides each die has. Defaults to 6", Type: transport.OptionInteger},
				{Name: "offset", Description: "How much to add to or subtract from the total", Type: transport.OptionInteger},
				{Name: "purpose", Description: "Describes what the roll was for", Type: transport.OptionString},
				{Name: "hide", Description: "Don't show the result to anyone else", Type: transport.OptionBoolean},
			},
			Handle: b.roll,
		},
		{Route: "coinflip", Description: "Flip a coin", Handle: b.coinflip},
		{Route: "yesno", Description: "Get a yes or no answer", Handle: b.yesno},
		{
			Route:       "number",
			Description: "Pick a random number",
			Options: []transport.OptionDef{
				{Name: "min", Description: "Lowest possible number. Defaults to 1", Type: transport.OptionInteger},
				{Name: "max", Description: "Highest possible number. Defaults to 100", Type: transport.OptionInteger},
			},
			Handle: b.number,
		},
		{Route: "fortune", Description: "Get your fortune for the day", Handle: b.fortune},
	}
}

// RollResult is one evaluated dice expression.
type RollResult struct {
	Rolls  int64
	Sides  int64
	Offset int64
	Dice   []int64
	Total  int64
}

// Roll rolls each die independently over [1, sides].
func Roll(rolls, sides, offset int64, intN func(int) int) RollResult {
	r := RollResult{Rolls: rolls, Sides: sides, Offset: offset, Dice: make([]int64, 0, rolls)}
	var sum int64
	for i := int64(0); i < rolls; i++ {
		d := int64(intN(int(sides))) + 1
		r.Dice = append(r.Dice, d)
		sum += d
	}
	r.Total = sum + offset
	return r
}

// Notation renders "2d6+3 = 10".
func (r RollResult) Notation() string {
	sign := "+"
	if r.Offset < 0 {
		sign = ""
	}
	return fmt.Sprintf("%dd%d%s%d = %d", r.Rolls, r.Sides, sign, r.Offset, r.Total)
}

func (b *Builtins) roll(ctx context.Context, req *Request) error {
	rolls := req.Int("rolls", 1)
	sides := req.Int("sides", 6)
	offset := req.Int("offset", 0)
	if rolls < 1 || rolls > maxRolls {
		return req.Ephemeral(ctx, fmt.Sprintf("You can roll between 1 and %d dice.", maxRolls))
	}
	if sides < 1 || sides > maxSides {
		return req.Ephemeral(ctx, fmt.Sprintf("Dice can have between 1 and %d sides.", maxSides))
	}

	res := Roll(rolls, sides, offset, b.d.IntN)
	text := "# 🎲 " + strconv.FormatInt(res.Total, 10)
	if purpose := strings.TrimSpace(req.String("purpose", "")); purpose != "" {
		text += " " + purpose
	}
	text += "\n" + res.Notation()
	if len(res.Dice) > 1 {
		parts := make([]string, len(res.Dice))
		for i, d := range res.Dice {
			parts[i] = strconv.FormatInt(d, 10)
		}
		text += "\nRolls: " + strings.Join(parts, ", ")
	}
	return req.Reply(ctx, transport.Reply{
		Embed:     &transport.Embed{Description: text},
		Ephemeral: req.Bool("hide", false),
	})
}

func (b *Builtins) coinflip(ctx context.Context, req *Request) error {
	side := "Heads"
	if b.d.IntN(2) == 1 {
		side = "Tails"
	}
	return req.Reply(ctx, transport.Reply{Content: "🪙 " + side + "!"})
}

func (b *Builtins) yesno(ctx context.Context, req *Request) error {
	answer := "✅ Yes"
	if b.d.IntN(2) == 1 {
		answer = "❌ No"
	}
	return req.Reply(ctx, transport.Reply{Content: answer})
}

func (b *Builtins) number(ctx context.Context, req *Request) error {
	lo, hi := req.Int("min", 1), req.Int("max", 100)
	if lo > hi {
		lo, hi = hi, lo
	}
	span := hi - lo + 1
	if span <= 0 || span > int64(^uint32(0)) {
		return req.Ephemeral(ctx, "That range is too large.")
	}
	n := lo + int64(b.d.IntN(int(span)))
	return req.Reply(ctx, transport.Reply{Content: fmt.Sprintf("🔢 %d (%d-%d)", n, lo, hi)})
}

func (b *Builtins) fortune(ctx context.Context, req *Request) error {
	if req.User == nil || req.User.ID == "" {
		return req.Ephemeral(ctx, "I can't tell who you are.")
	}
	text, repeated, err := b.Fortune(ctx, req.User.ID)
	if err != nil {
		return err
	}
	msg := "🥠 " + text
	if repeated {
		msg += "\n-# You already opened a fortune cookie recently. Come back later for a new one."
	}
	return req.Reply(ctx, transport.Reply{Content: msg})
}

// Fortune returns the user's fortune. Within the cooldown the stored
// fortune is repeated; otherwise a new one is drawn and persisted.
func (b *Builtins) Fortune(ctx context.Context, userID string) (text string, repeated bool, err error) {
	now := b.d.Now()
	last, hasLast, err := b.d.KV.Get(ctx, storage.ScopeUser, userID, KeyFortuneLast)
	if err != nil {
		return "", false, err
	}
	if hasLast {
		at, ok, err := b.d.KV.Get(ctx, storage.ScopeUser, userID, KeyFortuneLastTime)
		if err != nil {
			return "", false, err
		}
		if ok {
			ts, perr := time.Parse(time.RFC3339, at)
			cooldown := time.Duration(b.cooldown.Load())
			if perr == nil && now.Sub(ts) < cooldown {
				return last, true, nil
			}
		}
	}

	text = fortunes[b.d.IntN(len(fortunes))]
	if err := b.d.KV.Set(ctx, storage.ScopeUser, userID, KeyFortuneLast, text); err != nil {
		return "", false, err
	}
	if err := b.d.KV.Set(ctx, storage.ScopeUser, userID, KeyFortuneLastTime, now.UTC().Format(time.RFC3339)); err != nil {
		return "", false, err
	}
	return text, false, nil
}
