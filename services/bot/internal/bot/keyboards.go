package bot

import (
	"strconv"

	tele "gopkg.in/telebot.v3"
)

// Callback uniques. Payloads follow telebot's "unique|data" convention.
var (
	btnBindTopic    = tele.Btn{Unique: "bind_topic", Text: "Describe this topic"}
	btnCancelDialog = tele.Btn{Unique: "cancel_dialog", Text: "Cancel"}
	btnCloseMessage = tele.Btn{Unique: "close_message", Text: "Close"}
)

func bindTopicMarkup(threadID int64) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	bind := markup.Data(btnBindTopic.Text, btnBindTopic.Unique, strconv.FormatInt(threadID, 10))
	closeBtn := markup.Data(btnCloseMessage.Text, btnCloseMessage.Unique)
	markup.Inline(markup.Row(bind), markup.Row(closeBtn))
	return markup
}

func cancelMarkup() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	cancel := markup.Data(btnCancelDialog.Text, btnCancelDialog.Unique)
	markup.Inline(markup.Row(cancel))
	return markup
}

func webAppMarkup(label, url string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	open := markup.WebApp(label, &tele.WebApp{URL: url})
	markup.Inline(markup.Row(open))
	return markup
}
