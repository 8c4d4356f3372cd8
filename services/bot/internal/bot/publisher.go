package bot

import (
	"context"
	"strconv"

	tele "gopkg.in/telebot.v3"
)

// telegramPublisher delivers router side effects through the bot API.
type telegramPublisher struct {
	api *tele.Bot
}

func (p *telegramPublisher) PublishNote(_ context.Context, chatID, threadID int64, html string) error {
	_, err := p.api.Send(tele.ChatID(chatID), html, &tele.SendOptions{
		ThreadID:              int(threadID),
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return err
}

func (p *telegramPublisher) Reply(_ context.Context, chatID, replyToMessageID int64, text string) error {
	replyTo := &tele.Message{ID: int(replyToMessageID), Chat: &tele.Chat{ID: chatID}}
	_, err := p.api.Send(tele.ChatID(chatID), text, &tele.SendOptions{ReplyTo: replyTo})
	return err
}

func (p *telegramPublisher) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	return p.api.Delete(tele.StoredMessage{
		MessageID: strconv.FormatInt(messageID, 10),
		ChatID:    chatID,
	})
}

func (p *telegramPublisher) OfferBindTopic(_ context.Context, chatID, threadID int64, title string) error {
	markup := bindTopicMarkup(threadID)
	text := "This topic isn't described yet, so notes can't be sorted into it."
	if title != "" {
		text = "«" + title + "» isn't described yet, so notes can't be sorted into it."
	}
	_, err := p.api.Send(tele.ChatID(chatID), text, markup, &tele.SendOptions{ThreadID: int(threadID)})
	return err
}
