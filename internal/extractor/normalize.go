package extractor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/gotd/td/tg"

	"github.com/mivori/tgarchive/internal/database"
)

// timestampLayout renders instants with an explicit UTC offset,
// e.g. "2023-10-07 09:30:00+0300".
const timestampLayout = "2006-01-02 15:04:05-0700"

// forwardDateLayout matches the original stored forward timestamps, which
// carry no offset and are always UTC.
const forwardDateLayout = "2006-01-02 15:04:05"

// Normalize converts one raw Telegram message into a canonical Record. It is
// total: optional fields that are absent or malformed default to absent, and
// unrecognized media kinds take the fallback arm instead of failing.
//
// The raw message timestamp is an absolute UTC instant; loc is the fixed
// target zone used for the local rendering and all derived time fields.
func Normalize(msg *tg.Message, sourceID string, loc *time.Location) database.Record {
	utcDate := time.Unix(int64(msg.Date), 0).UTC()
	localDate := utcDate.In(loc)

	record := database.Record{
		SourceID:  sourceID,
		MessageID: msg.ID,
		UTCDate:   utcDate.Format(timestampLayout),
		LocalDate: localDate.Format(timestampLayout),
		Text:      msg.Message,

		Hour:       localDate.Hour(),
		DayOfWeek:  mondayWeekday(localDate),
		Month:      int(localDate.Month()),
		WeekOfYear: sundayWeekOfYear(localDate),
	}

	if record.Text != "" {
		record.WordCount = len(strings.Fields(record.Text))
		record.EmojiCount = len(gomoji.CollectAll(record.Text))
	}

	if from, ok := msg.GetFromID(); ok {
		if id, ok := peerNumericID(from); ok {
			record.SenderID = &id
		}
	}
	if replyTo, ok := msg.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok {
			if id, ok := header.GetReplyToMsgID(); ok {
				replyID := int64(id)
				record.ReplyToMsgID = &replyID
			}
		}
	}

	if fwd, ok := msg.GetFwdFrom(); ok {
		record.ForwardedFrom = forwardInfo(fwd)
	}
	if forwards, ok := msg.GetForwards(); ok {
		record.ForwardCount = &forwards
	}

	if media, ok := msg.GetMedia(); ok && media != nil {
		mediaType, attributes := dispatchMedia(media)
		record.MediaType = &mediaType
		record.MediaAttributes = attributes
	}

	if entities, ok := msg.GetEntities(); ok {
		record.Entities = normalizeEntities(entities)
	}
	if views, ok := msg.GetViews(); ok {
		record.Views = &views
	}
	if reactions, ok := msg.GetReactions(); ok {
		record.Reactions = normalizeReactions(reactions)
	}

	return record
}

func forwardInfo(fwd tg.MessageFwdHeader) *database.ForwardInfo {
	info := &database.ForwardInfo{}

	if from, ok := fwd.GetFromID(); ok {
		if id, ok := peerNumericID(from); ok {
			fromID := strconv.FormatInt(id, 10)
			info.FromID = &fromID
		}
		if channel, ok := from.(*tg.PeerChannel); ok {
			channelID := channel.ChannelID
			info.ChannelID = &channelID
		}
	}
	if post, ok := fwd.GetChannelPost(); ok {
		info.ChannelPost = &post
	}
	if author, ok := fwd.GetPostAuthor(); ok {
		info.PostAuthor = &author
	}
	if fwd.Date != 0 {
		date := time.Unix(int64(fwd.Date), 0).UTC().Format(forwardDateLayout)
		info.Date = &date
	}
	return info
}

// dispatchMedia is the closed media decision: document > photo > poll >
// webpage, with a fallback arm that never fails on an unknown kind. A
// recognized kind whose payload is empty also takes the fallback arm.
func dispatchMedia(media tg.MessageMediaClass) (string, map[string]any) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		if docClass, ok := m.GetDocument(); ok {
			if doc, ok := docClass.AsNotEmpty(); ok {
				return "document", documentAttributes(doc)
			}
		}
	case *tg.MessageMediaPhoto:
		if photoClass, ok := m.GetPhoto(); ok {
			if photo, ok := photoClass.AsNotEmpty(); ok {
				return "photo", photoAttributes(photo)
			}
		}
	case *tg.MessageMediaPoll:
		return "poll", pollAttributes(m.Poll)
	case *tg.MessageMediaWebPage:
		if page, ok := m.Webpage.(*tg.WebPage); ok {
			return "webpage", webpageAttributes(page)
		}
		if m.Webpage != nil {
			// WebPageEmpty and other placeholder variants keep minimal output
			return "webpage", map[string]any{"raw_object": m.Webpage.String()}
		}
	}
	return media.TypeName(), map[string]any{"raw_object": media.String()}
}

func documentAttributes(doc *tg.Document) map[string]any {
	attributes := map[string]any{
		"document_id": doc.ID,
		"mime_type":   doc.MimeType,
		"size":        doc.Size,
	}
	for _, attr := range doc.Attributes {
		if filename, ok := attr.(*tg.DocumentAttributeFilename); ok {
			attributes["filename"] = filename.FileName
			break
		}
	}
	return attributes
}

func photoAttributes(photo *tg.Photo) map[string]any {
	attributes := map[string]any{
		"photo_id": photo.ID,
	}
	if w, h, ok := largestPhotoSize(photo.Sizes); ok {
		attributes["width"] = w
		attributes["height"] = h
	}
	return attributes
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) (width, height int, ok bool) {
	for _, size := range sizes {
		var w, h int
		switch s := size.(type) {
		case *tg.PhotoSize:
			w, h = s.W, s.H
		case *tg.PhotoCachedSize:
			w, h = s.W, s.H
		case *tg.PhotoSizeProgressive:
			w, h = s.W, s.H
		default:
			continue
		}
		if w*h > width*height {
			width, height = w, h
			ok = true
		}
	}
	return width, height, ok
}

func pollAttributes(poll tg.Poll) map[string]any {
	answers := make([]map[string]any, 0, len(poll.Answers))
	for _, answer := range poll.Answers {
		answers = append(answers, map[string]any{
			"text":   answer.Text.Text,
			"option": hex.EncodeToString(answer.Option),
		})
	}
	return map[string]any{
		"question":        poll.Question.Text,
		"multiple_choice": poll.MultipleChoice,
		"quiz":            poll.Quiz,
		"answers":         answers,
	}
}

func webpageAttributes(page *tg.WebPage) map[string]any {
	attributes := map[string]any{
		"url": page.URL,
	}
	if v, ok := page.GetSiteName(); ok {
		attributes["site_name"] = v
	}
	if v, ok := page.GetTitle(); ok {
		attributes["title"] = v
	}
	if v, ok := page.GetDescription(); ok {
		attributes["description"] = v
	}
	if v, ok := page.GetAuthor(); ok {
		attributes["author"] = v
	}
	if v, ok := page.GetEmbedURL(); ok {
		attributes["embed_url"] = v
	}
	if v, ok := page.GetEmbedType(); ok {
		attributes["embed_type"] = v
	}
	if photoClass, ok := page.GetPhoto(); ok {
		if photo, ok := photoClass.AsNotEmpty(); ok {
			attributes["photo_id"] = photo.ID
		}
	}
	if docClass, ok := page.GetDocument(); ok {
		if doc, ok := docClass.AsNotEmpty(); ok {
			attributes["document_id"] = doc.ID
		}
	}
	return attributes
}

func normalizeEntities(entities []tg.MessageEntityClass) []database.Entity {
	out := make([]database.Entity, 0, len(entities))
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		out = append(out, database.Entity{
			Type:   entity.TypeName(),
			Offset: entity.GetOffset(),
			Length: entity.GetLength(),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeReactions(reactions tg.MessageReactions) []database.Reaction {
	out := make([]database.Reaction, 0, len(reactions.Results))
	for _, result := range reactions.Results {
		switch reaction := result.Reaction.(type) {
		case *tg.ReactionEmoji:
			out = append(out, database.Reaction{Emoji: reaction.Emoticon, Count: result.Count})
		default:
			// custom or unknown reaction payloads keep a string form,
			// never dropped
			out = append(out, database.Reaction{Emoji: fmt.Sprint(result.Reaction), Count: result.Count})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func peerNumericID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return p.ChatID, true
	case *tg.PeerChannel:
		return p.ChannelID, true
	}
	return 0, false
}

// mondayWeekday maps time.Weekday to the stored convention 0=Monday..6=Sunday.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// sundayWeekOfYear numbers weeks 0-53 with Sunday as the first day; days
// before the year's first Sunday belong to week 0. This matches the
// convention every historical row was written with, independent of locale.
func sundayWeekOfYear(t time.Time) int {
	return (t.YearDay() + 6 - int(t.Weekday())) / 7
}
