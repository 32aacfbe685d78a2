package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/lmchat/internal/markdown"
	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/MegaGrindStone/lmchat/internal/reasoning"
	"github.com/MegaGrindStone/lmchat/internal/stream"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		hideReasoning bool
		asHTML        bool
	)

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a single question and stream the reply to the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ask(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), hideReasoning, asHTML)
		},
	}

	cmd.Flags().BoolVar(&hideReasoning, "hide-reasoning", false, "print only the answer, without the <think> reasoning")
	cmd.Flags().BoolVar(&asHTML, "html", false, "print the rendered HTML once the reply is complete")
	return cmd
}

func (a *app) ask(ctx context.Context, w io.Writer, prompt string, hideReasoning, asHTML bool) error {
	llm, err := a.cfg.LLM.llm(http.DefaultClient, a.logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	settings := a.cfg.applyTo(models.DefaultSettings())
	settings.HideReasoning = hideReasoning
	if settings.Model, err = llm.Model(ctx, settings.Model); err != nil {
		return fmt.Errorf("error resolving model: %w", err)
	}

	body, err := llm.Stream(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}}, settings)
	if err != nil {
		return err
	}
	defer body.Close()

	p := &replyPrinter{w: w, extractor: a.cfg.extractor(), hideReasoning: hideReasoning}
	if asHTML {
		p.renderer = markdown.New(markdown.WithLogger(a.logger))
	}

	sess := stream.NewSession(uuid.New().String(), a.logger)
	if err := sess.Run(ctx, body, stream.NewDecoder(), p.update); err != nil {
		return err
	}
	return p.err
}

// replyPrinter writes a streamed reply to a terminal as it grows. Text is written once: a tail that may
// still turn into an opening delimiter is held back until the next snapshot, so hidden reasoning never
// leaks. With a renderer set, only the rendered HTML of the final snapshot is written.
type replyPrinter struct {
	w             io.Writer
	extractor     reasoning.Extractor
	hideReasoning bool
	renderer      *markdown.Renderer

	printed string
	err     error
}

func (p *replyPrinter) update(snap stream.Snapshot) {
	if p.err != nil {
		return
	}

	doc := p.extractor.Extract(snap.Raw)
	if p.renderer != nil {
		if snap.Final {
			_, p.err = fmt.Fprintln(p.w, p.renderer.Render(doc, p.hideReasoning))
		}
		return
	}

	visible := doc.Visible(p.hideReasoning)
	if !snap.Final {
		visible = holdBack(visible, doc.Delimiters.Open)
	}

	switch {
	case strings.HasPrefix(visible, p.printed):
		_, p.err = io.WriteString(p.w, visible[len(p.printed):])
	case snap.Final:
		_, p.err = io.WriteString(p.w, "\n"+visible)
	default:
		return
	}
	p.printed = visible

	if snap.Final && p.err == nil {
		_, p.err = io.WriteString(p.w, "\n")
	}
}

// holdBack trims a trailing prefix of open from text.
func holdBack(text, open string) string {
	for k := len(open) - 1; k > 0; k-- {
		if strings.HasSuffix(text, open[:k]) {
			return text[:len(text)-k]
		}
	}
	return text
}
