package assistantsvc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/tutora/tutora/core/tutor"
)

// Gemini answers through the Gemini API.
type Gemini struct {
	models *genai.Models
	model  string
}

var _ tutor.Assistant = (*Gemini)(nil)

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating genai client")
	}
	return &Gemini{models: client.Models, model: model}, nil
}

// contents maps the conversation history and the question to genai contents.
func contents(p tutor.Prompt) []*genai.Content {
	cs := make([]*genai.Content, 0, len(p.History)+1)
	for _, m := range p.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == tutor.RoleAssistant {
			role = genai.RoleModel
		}
		cs = append(cs, genai.NewContentFromText(m.Content, role))
	}
	return append(cs, genai.NewContentFromText(p.Question, genai.RoleUser))
}

func (g *Gemini) Reply(ctx context.Context, p tutor.Prompt) (tutor.Reply, error) {
	var conf *genai.GenerateContentConfig
	if p.System != "" {
		conf = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser)}
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents(p), conf)
	if err != nil {
		return tutor.Reply{}, errors.Wrap(err, "generating content")
	}

	reply := tutor.Reply{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		reply.Tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return reply, nil
}
