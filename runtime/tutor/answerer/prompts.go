package answerer

import "github.com/maice-ai/maice/runtime/tutor/prompt"

const (
	templateAnswer = "answer"

	settingGuidanceK1 = "guidance_k1"
	settingGuidanceK2 = "guidance_k2"
	settingGuidanceK3 = "guidance_k3"
	settingGuidanceK4 = "guidance_k4"

	settingRejectNotMath             = "rejection_not_math"
	settingRejectSecurity            = "rejection_security"
	settingRejectClarificationFailed = "rejection_clarification_failed"
)

const answerSystem = `You are MAICE, a friendly math tutor for Korean high-school students. Answer in Korean.

Structure for this question type:
{{.Guidance}}

Ground rules: stay on the question, show reasoning step by step, write formulas in LaTeX, keep the answer readable in about two minutes.`

const answerUser = `{{if .Context}}Conversation so far:
{{.Context}}

{{end}}{{if .History}}Clarification exchange:
{{.History}}

{{end}}Question:
{{.Question}}`

const (
	guidanceK1 = `State the fact or formula first. Follow with a compact explanation of where it comes from and one short worked example.`
	guidanceK2 = `Start from the underlying idea and build intuition before any formalism. Connect to concepts the student already knows. Close with one question that checks understanding.`
	guidanceK3 = `Give numbered solution steps, each with the reason it works. Work one full example, then list the mistakes students usually make at each step.`
	guidanceK4 = `Acknowledge how the student assessed their own learning. Suggest a concrete study strategy and two or three specific next actions.`
)

const (
	rejectNotMath = `죄송해요, MAICE는 수학 질문에만 답할 수 있어요. 수학 공부에서 궁금한 점을 물어봐 주면 바로 도와줄게요!`

	rejectSecurity = `그 질문은 처리할 수 없었어요. 수학 질문으로 다시 물어봐 줄래?`

	rejectClarificationFailed = `질문을 {count}번 여쭤봤지만 어떤 내용을 묻는 건지 아직 파악하지 못했어요. 질문을 조금 다르게 표현해 줄래? 예를 들어 "이차방정식 x^2-4x+3=0의 근을 구하는 과정을 알려줘"나 "등차수열의 일반항 공식이 왜 그렇게 되는지 설명해줘"처럼 단원과 목표를 함께 적어 주면 도와주기 쉬워.`
)

// Defaults is the built-in prompt configuration. A YAML file given to the
// agent overlays it section by section.
func Defaults() prompt.Config {
	return prompt.Config{
		Templates: map[string]prompt.Template{
			templateAnswer: {System: answerSystem, User: answerUser},
		},
		Settings: map[string]string{
			settingGuidanceK1:                guidanceK1,
			settingGuidanceK2:                guidanceK2,
			settingGuidanceK3:                guidanceK3,
			settingGuidanceK4:                guidanceK4,
			settingRejectNotMath:             rejectNotMath,
			settingRejectSecurity:            rejectSecurity,
			settingRejectClarificationFailed: rejectClarificationFailed,
		},
	}
}
