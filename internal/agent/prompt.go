package agent

import (
	"fmt"
	"strings"

	"github.com/MrWong99/jubensha/internal/game"
)

// phaseInstructions tells the character what this phase expects of them.
var phaseInstructions = map[game.Phase]string{
	game.PhaseIntroduction:       "现在是自我介绍环节。请用两三句话介绍你的身份以及你与死者的关系，不要透露你的秘密。",
	game.PhaseEvidenceCollection: "现在是搜证环节。请谈谈你对已发现证据的看法，或说明你在案发时做了什么。",
	game.PhaseInvestigation:      "现在是调查环节。你可以向其他人提问，或回应别人对你的质疑。",
	game.PhaseDiscussion:         "现在是自由讨论环节。请结合证据和大家的发言，说出你的推理或怀疑对象。",
	game.PhaseVoting:             "现在是投票环节。请说出你认为的凶手是谁，并给出一句理由。",
}

// FormatSystemPrompt renders the persona prompt for character. Empty
// sections are omitted.
func FormatSystemPrompt(character game.Character, gctx GenerationContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "你正在参与一场剧本杀游戏，你扮演的角色是「%s」。", character.Name)
	if gctx.ScriptTitle != "" {
		fmt.Fprintf(&sb, "本局剧本：《%s》。", gctx.ScriptTitle)
	}
	if bg := strings.TrimSpace(gctx.Background); bg != "" {
		sb.WriteString("\n\n## 案件背景\n")
		sb.WriteString(bg)
	}
	if p := strings.TrimSpace(character.Profile); p != "" {
		sb.WriteString("\n\n## 你的身份\n")
		sb.WriteString(p)
	}
	if s := strings.TrimSpace(character.Secret); s != "" {
		sb.WriteString("\n\n## 你的秘密（绝不能主动说出）\n")
		sb.WriteString(s)
	}
	if character.IsMurderer {
		sb.WriteString("\n\n你就是凶手。你必须隐瞒这一点，并设法把怀疑引向他人。")
	}
	if others := otherPlayers(character, gctx.Characters); others != "" {
		sb.WriteString("\n\n## 在场人物\n")
		sb.WriteString(others)
	}

	sb.WriteString("\n\n## 规则\n")
	sb.WriteString("1. 始终保持角色，用第一人称说话。\n")
	sb.WriteString("2. 每次只说一段话，不超过一百字。\n")
	sb.WriteString("3. 不要在发言前加上自己的名字。")
	return sb.String()
}

// FormatTurnPrompt renders the per-turn instruction: phase, evidence and the
// recent chat.
func FormatTurnPrompt(phase game.Phase, character game.Character, gctx GenerationContext) string {
	var sb strings.Builder

	instr, ok := phaseInstructions[phase]
	if !ok {
		instr = "请根据当前情况发言。"
	}
	sb.WriteString(instr)

	if len(gctx.Evidence) > 0 {
		sb.WriteString("\n\n## 已发现的证据\n")
		for _, e := range gctx.Evidence {
			line := "- " + e.Name
			if e.Description != "" {
				line += "：" + e.Description
			}
			if e.Discoverer != "" {
				line += fmt.Sprintf("（%s发现）", e.Discoverer)
			}
			sb.WriteString(line + "\n")
		}
	}

	if len(gctx.RecentChat) > 0 {
		sb.WriteString("\n\n## 最近的发言\n")
		sb.WriteString(FormatChat(gctx.RecentChat))
	}

	fmt.Fprintf(&sb, "\n\n请以「%s」的身份发言：", character.Name)
	return sb.String()
}

// FormatChat renders messages as "name: text" lines, oldest first.
func FormatChat(msgs []game.ChatMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Character, m.Message))
	}
	return strings.Join(lines, "\n")
}

func otherPlayers(self game.Character, all []game.Character) string {
	var lines []string
	for _, c := range all {
		if c.Name == self.Name {
			continue
		}
		if c.IsVictim {
			lines = append(lines, fmt.Sprintf("- %s（死者）", c.Name))
			continue
		}
		lines = append(lines, "- "+c.Name)
	}
	return strings.Join(lines, "\n")
}
