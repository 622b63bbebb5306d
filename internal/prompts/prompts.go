package prompts

// ============================================================================
// 共享词库 (Shared Lexicons)
// ============================================================================

// MeasurementWords is the shared measurement lexicon. Fields named after these
// words carry numeric values in centimeters unless the report says otherwise.
var MeasurementWords = []string{
	"口径", "底径", "腹径", "高", "通高", "残高", "壁厚", "长", "宽", "厚", "孔径", "射径",
}

// CodeWords lists the specimen-code notations reports use. Codes identify a
// find within its excavation unit.
var CodeWords = []string{
	"M7:1", "M7:63-1", "T3②:5", "H12:4", "采:1",
}

// ============================================================================
// Extraction Prompts (LLM)
// ============================================================================

// SystemPrompt defines the role and output rules for record extraction.
// 定义角色和规则：按字段表从报告文本中抽取结构化记录
const SystemPrompt = `你是考古发掘报告信息抽取助手。根据给定的字段表，从报告文本中抽取实体记录。` +
	`只输出JSON数组，数组元素为字段名到值的对象；没有可抽取内容时输出 []。` +
	`不要输出Markdown标记或解释文字。数值字段只输出数字。`

// kindGuidance supplies per-kind extraction hints appended to the user prompt.
// 各实体类型的抽取要点
var kindGuidance = map[string]string{
	"site": `抽取要点：本段为报告开头的遗址概况，抽取遗址名称、地理位置、发掘时间、发掘面积等总体信息。整段只输出一条记录。`,
	"period": `抽取要点：关注分期与年代表述（如"第一期"、"龙山时代早期"、碳十四测年数据），每个分期输出一条记录。`,
	"pottery": `抽取要点：每件陶器输出一条记录。标本编号保留原文写法（如 M7:1、T3②:5）。` +
		`注意陶质陶色（泥质/夹砂，红陶/灰陶/黑陶）、纹饰、器形描述与测量数据。` +
		`同一句描述多件标本时（如 M7:1、3、5），每个编号单独输出一条。`,
	"jade": `抽取要点：每件玉石器输出一条记录。标本编号保留原文写法。` +
		`注意玉料颜色、沁色、器形（璧/琮/钺/环等）、纹饰与测量数据。不要抽取陶器。`,
}

// Guidance returns the extraction hints for an entity kind, or an empty
// string for kinds without specific guidance.
func Guidance(kind string) string {
	return kindGuidance[kind]
}
